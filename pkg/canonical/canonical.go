// Package canonical produces the deterministic, key-sorted JSON
// encoding that signatures are computed over.
package canonical

import (
	"bytes"
	"encoding/json"
)

// Marshal encodes v as key-sorted JSON. The value is marshalled once,
// re-decoded into generic maps (which encoding/json emits with sorted
// keys) and marshalled again. Numbers survive as json.Number so no
// float reformatting can change the bytes; array order is preserved.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
