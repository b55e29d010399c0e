package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeLenient unmarshals data into v. Producers sometimes write envelopes
// with raw newlines inside strings, stray backslashes from Windows paths or
// regexes, or trailing commas; when strict decoding fails the document is
// run through jsonrepair and decoding is retried once.
func DecodeLenient(data []byte, v any) error {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}

	repaired, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rerr := json.Unmarshal([]byte(repaired), v); rerr != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	log.Printf("[Queue] Warning: invalid JSON repaired (%v)", err)
	return nil
}
