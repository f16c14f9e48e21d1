package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	call := Call{Plugin: PluginPKCS7, Name: OpCreatePKCS7}

	tests := []struct {
		name       string
		raw        string
		wantReject bool
		wantReason string
	}{
		{name: "explicit success", raw: `{"success":true,"pkcs7_64":"MIIB"}`},
		{name: "no success flag", raw: `{"certificates":[]}`},
		{name: "explicit failure", raw: `{"success":false,"reason":"key not found"}`, wantReject: true, wantReason: "key not found"},
		{name: "failure without reason", raw: `{"success":false}`, wantReject: true},
		{name: "error field", raw: `{"error":"domain not allowed"}`, wantReject: true, wantReason: "domain not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse(call, []byte(tt.raw))
			if !tt.wantReject {
				require.NoError(t, err)
				assert.JSONEq(t, tt.raw, string(resp.Raw()))
				return
			}

			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, tt.wantReason, rejected.Reason)
			assert.Equal(t, call, rejected.Call)
		})
	}

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseResponse(call, []byte("<html>"))

		var transport *TransportError
		require.ErrorAs(t, err, &transport)
	})
}

func TestCall_String(t *testing.T) {
	assert.Equal(t, "pkcs7.create_pkcs7", Call{Plugin: PluginPKCS7, Name: OpCreatePKCS7}.String())
	assert.Equal(t, "apikey", Call{Name: OpAPIKey}.String())
}
