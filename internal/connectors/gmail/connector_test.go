package gmail

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMailDate(t *testing.T) {
	cases := map[string]string{
		"Tue, 7 May 2024 09:15:00 +0200":        "2024-05-07T07:15:00Z",
		"Tue, 07 May 2024 09:15:00 +0000 (UTC)": "2024-05-07T09:15:00Z",
		"7 May 2024 09:15:00 -0100":             "2024-05-07T10:15:00Z",
	}
	for in, want := range cases {
		got, err := parseMailDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.UTC().Format("2006-01-02T15:04:05Z"), in)
	}

	_, err := parseMailDate("yesterday")
	assert.Error(t, err)
}

func TestDecodeBase64URL(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody??>")
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding} {
		got, err := decodeBase64URL(enc.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}
	_, err := decodeBase64URL("***")
	assert.Error(t, err)
}
