package idempotency

import (
	"testing"

	"github.com/hookdeck/txnhook/internal/models"
)

func newResolver() *Resolver {
	return NewResolver(nil, nil, 0)
}

func TestClassifySamePayload(t *testing.T) {
	r := newResolver()
	existing := models.Data{"amount": 100.0, "reference": "r1", "clientIp": "1.1.1.1"}
	incoming := models.Data{"amount": 100.0, "reference": "r1", "clientIp": "2.2.2.2"}

	got := r.Classify("A", existing, "A", incoming)
	if got != ClassificationSame {
		t.Fatalf("got %s, want same (ignored field diff must not conflict)", got)
	}
}

func TestClassifyCriticalFieldChangeConflicts(t *testing.T) {
	r := newResolver()
	existing := models.Data{"amount": 100.0, "reference": "r1"}
	incoming := models.Data{"amount": 200.0, "reference": "r1"}

	got := r.Classify("A", existing, "A", incoming)
	if got != ClassificationConflict {
		t.Fatalf("got %s, want conflict", got)
	}
}

func TestClassifyOriginSystemMismatchConflicts(t *testing.T) {
	r := newResolver()
	existing := models.Data{"amount": 100.0}
	incoming := models.Data{"amount": 100.0}

	got := r.Classify("A", existing, "B", incoming)
	if got != ClassificationConflict {
		t.Fatalf("got %s, want conflict", got)
	}
}

func TestClassifyNumericToleranceWithinBound(t *testing.T) {
	r := newResolver()
	existing := models.Data{"amount": 100.00001}
	incoming := models.Data{"amount": 100.00002}

	got := r.Classify("A", existing, "A", incoming)
	if got != ClassificationSame {
		t.Fatalf("got %s, want same (within 1e-4 tolerance)", got)
	}
}

func TestClassifyLowSimilarityConflicts(t *testing.T) {
	r := NewResolver(nil, nil, 80)
	existing := models.Data{
		"amount": 100.0, "note1": "a", "note2": "b", "note3": "c", "note4": "d",
	}
	incoming := models.Data{
		"amount": 100.0, "note1": "x", "note2": "y", "note3": "z", "note4": "w",
	}

	got := r.Classify("A", existing, "A", incoming)
	if got != ClassificationConflict {
		t.Fatalf("got %s, want conflict (similarity below threshold)", got)
	}
}

func TestClassifyEmptyRemainingFieldsTreatedAs100(t *testing.T) {
	r := newResolver()
	existing := models.Data{"amount": 100.0}
	incoming := models.Data{"amount": 100.0}

	got := r.Classify("A", existing, "A", incoming)
	if got != ClassificationSame {
		t.Fatalf("got %s, want same", got)
	}
}
