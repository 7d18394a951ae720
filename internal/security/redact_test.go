package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "", MaskCredential(""))
	assert.Equal(t, "***", MaskCredential("abc"))
	assert.Equal(t, "ab****", MaskCredential("abcdef"))
	assert.Equal(t, "abcd****mnop", MaskCredential("abcdefghmnop"))
}

func TestRedactOptions(t *testing.T) {
	in := map[string]string{"API_KEY": "0123456789abcdef", "base_url": "https://api.openfigi.com"}
	out := RedactOptions(in)

	assert.Equal(t, "0123********cdef", out["API_KEY"])
	assert.Equal(t, "https://api.openfigi.com", out["base_url"])
	assert.Equal(t, "0123456789abcdef", in["API_KEY"], "input must not be modified")
}

func TestMaskInString(t *testing.T) {
	got := MaskInString(`GET /v3/mapping?apikey=0123456789abcdef&q=1: 401 access_token: "tok123456789"`)
	assert.Equal(t, `GET /v3/mapping?apikey=0123********cdef&q=1: 401 access_token: tok1****6789`, got)
	assert.Equal(t, "no secrets here", MaskInString("no secrets here"))
}
