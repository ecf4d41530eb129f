package refresh

import (
	"testing"

	"github.com/google/uuid"
)

// FuzzDecode feeds arbitrary strings to Decode. Invalid input must return an
// error without panicking; valid input must survive a re-encode.
func FuzzDecode(f *testing.F) {
	f.Add("")
	f.Add(".")
	f.Add("abc")
	f.Add("!!!not-base64!!!")
	f.Add(uuid.NewString() + ".")
	f.Add(uuid.NewString() + ".dG9vLXNob3J0")
	f.Add("not-a-uuid.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	if secret, err := NewSecret(); err == nil {
		f.Add(Encode(uuid.NewString(), secret))
	}

	f.Fuzz(func(t *testing.T, input string) {
		id, secret, err := Decode(input)
		if err != nil {
			return
		}

		id2, secret2, err := Decode(Encode(id, secret))
		if err != nil {
			t.Fatalf("re-encoded token rejected: %v", err)
		}
		if id2 != id {
			t.Fatalf("record id changed: %q vs %q", id2, id)
		}
		if secret2 != secret {
			t.Fatal("secret changed across re-encode")
		}
	})
}
