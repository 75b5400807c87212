package alert

import (
	"encoding/json"
	"fmt"
)

func jsonFallback(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
