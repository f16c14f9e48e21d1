package signing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/agent/agenttest"
	"github.com/sakerinn/eimzo/internal/certs"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
	"github.com/sakerinn/eimzo/internal/pkcs7"
	"github.com/sakerinn/eimzo/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	opAPIKey      = "apikey"
	opPfxList     = "pfx.list_all_certificates"
	opCertkeyList = "certkey.list_all_certificates"
	opPfxLoad     = "pfx.load_key"
	opCertkeyLoad = "certkey.load_key"
	opCreate      = "pkcs7.create_pkcs7"
	opAppend      = "pkcs7.append_pkcs7_attached"
	opAttachTST   = "pkcs7.attach_timestamp_token_pkcs7"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func signedPayload(pkcs7, serial string) map[string]any {
	return map[string]any{
		"success":              true,
		"pkcs7_64":             pkcs7,
		"signer_serial_number": serial,
		"signature_hex":        "deadbeef",
	}
}

func certkeySubject(inn, serial, validTo string) map[string]any {
	return map[string]any{
		"disk":        "D:",
		"path":        "DSKEYS",
		"name":        "DS" + serial,
		"subjectName": fmt.Sprintf("SERIALNUMBER=%s,CN=HOLDER %s,1.2.860.3.16.1.1=%s,VALIDTO=%s", serial, inn, inn, validTo),
	}
}

func pfxAlias(uid, serial, validTo string) map[string]any {
	return map[string]any{
		"disk":  "C:",
		"path":  "",
		"name":  "DS" + serial,
		"alias": fmt.Sprintf("cn=holder,uid=%s,serialnumber=%s,validto=%s", uid, serial, validTo),
	}
}

func newTestService(gw agent.Gateway, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(gw, opts...)
}

func started(t *testing.T, gw *agenttest.Gateway, opts ...Option) *Service {
	t.Helper()
	gw.Reply(opAPIKey, map[string]any{"success": true})
	svc := newTestService(gw, opts...)
	require.NoError(t, svc.Start(context.Background(), []string{"localhost", "KEYA"}))
	return svc
}

func TestService_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("given tokens", func(t *testing.T) {
		gw := agenttest.New().Reply(opAPIKey, map[string]any{"success": true})
		svc := newTestService(gw)

		require.NoError(t, svc.Start(ctx, []string{"localhost", "KEYA"}))
		assert.True(t, svc.Initialized())
		assert.Equal(t, []any{"localhost", "KEYA"}, gw.Calls()[0].Arguments)
	})

	t.Run("previous tokens then defaults", func(t *testing.T) {
		gw := agenttest.New().Reply(opAPIKey, map[string]any{"success": true})
		svc := newTestService(gw)

		require.NoError(t, svc.Start(ctx, nil))
		assert.Len(t, gw.Calls()[0].Arguments, len(DefaultTokens()))
		assert.Equal(t, "localhost", gw.Calls()[0].Arguments[0])

		require.NoError(t, svc.Start(ctx, []string{"example.uz", "KEYB"}))
		require.NoError(t, svc.Start(ctx, nil))
		assert.Equal(t, []any{"example.uz", "KEYB"}, gw.Calls()[2].Arguments)
	})

	t.Run("defaults cannot be changed by callers", func(t *testing.T) {
		tokens := DefaultTokens()
		tokens[0] = "evil.example"

		gw := agenttest.New().Reply(opAPIKey, map[string]any{"success": true})
		svc := newTestService(gw)

		require.NoError(t, svc.Start(ctx, nil))
		assert.Equal(t, "localhost", gw.Calls()[0].Arguments[0])
		assert.Equal(t, "localhost", DefaultTokens()[0])
	})

	t.Run("odd token count", func(t *testing.T) {
		gw := agenttest.New()
		svc := newTestService(gw)

		err := svc.Start(ctx, []string{"localhost"})
		assert.Equal(t, eimzoerr.CodeInvalidParameters, eimzoerr.CodeOf(err))
		assert.Empty(t, gw.Calls())
		assert.False(t, svc.Initialized())
	})

	t.Run("rejected keys", func(t *testing.T) {
		gw := agenttest.New().Reject(opAPIKey, "invalid api key")
		svc := newTestService(gw)

		err := svc.Start(ctx, []string{"localhost", "BAD"})
		var e *eimzoerr.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, eimzoerr.CodeInitializationFailed, e.Code)
		assert.Equal(t, "invalid api key", e.Message)
		assert.False(t, svc.Initialized())
	})

	t.Run("agent unreachable", func(t *testing.T) {
		svc := newTestService(agenttest.New().Unreachable(opAPIKey))

		err := svc.Start(ctx, nil)
		assert.Equal(t, eimzoerr.CodeInitializationFailed, eimzoerr.CodeOf(err))
		var transport *agent.TransportError
		assert.ErrorAs(t, err, &transport)
	})
}

func TestService_Sign(t *testing.T) {
	ctx := context.Background()

	t.Run("no signer and no remembered identifier", func(t *testing.T) {
		gw := agenttest.New()
		svc := started(t, gw)

		_, err := svc.Sign(ctx, "hello", nil, SignOptions{})
		assert.Equal(t, eimzoerr.CodeInvalidParameters, eimzoerr.CodeOf(err))
		assert.ErrorIs(t, err, signer.ErrNoKeyIdentifier)
		assert.Zero(t, gw.Count(opCreate))
	})

	t.Run("token signs with its tag", func(t *testing.T) {
		gw := agenttest.New().Reply(opCreate, signedPayload("UEs=", "AA01"))
		svc := started(t, gw)
		sg := signer.FromToken(signer.TokenIDCard)

		res, err := svc.Sign(ctx, "hello", &sg, SignOptions{})
		require.NoError(t, err)
		assert.Equal(t, "UEs=", res.Signature)
		assert.Equal(t, "AA01", res.SignerSerialNumber)
		assert.Nil(t, res.Credential)
		assert.Equal(t, "idcard", gw.Calls()[1].Arguments[1])
	})

	t.Run("remembered holder with a pfx credential", func(t *testing.T) {
		gw := agenttest.New().
			Reply(opPfxList, map[string]any{"certificates": []any{pfxAlias("12345", "P1", "2030.01.01")}}).
			Reply(opCertkeyList, map[string]any{"certificates": []any{}}).
			Reply(opPfxLoad, map[string]any{"success": true, "keyId": "handle-1"}).
			Reply(opCreate, signedPayload("UEs=", "P1"))
		svc := started(t, gw)
		svc.Session().SetDefaultIdentifier("12345")

		res, err := svc.Sign(ctx, "hello", nil, SignOptions{})
		require.NoError(t, err)
		require.NotNil(t, res.Credential)
		assert.Equal(t, "P1", res.Credential.SerialNumber)
		assert.False(t, res.Overdue)

		_, err = svc.Sign(ctx, "again", nil, SignOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, gw.Count(opPfxLoad))
	})

	t.Run("overdue credential is reported", func(t *testing.T) {
		gw := agenttest.New().
			Reply(opPfxList, map[string]any{"certificates": []any{}}).
			Reply(opCertkeyList, map[string]any{"certificates": []any{certkeySubject("12345", "C1", "2020.01.01")}}).
			Reply(opCertkeyLoad, map[string]any{"success": true, "keyId": "k"}).
			Reply(opCreate, signedPayload("UEs=", "C1"))
		svc := started(t, gw)
		svc.Session().SetDefaultIdentifier("12345")

		res, err := svc.Sign(ctx, "hello", nil, SignOptions{})
		require.NoError(t, err)
		assert.True(t, res.Overdue)
	})

	t.Run("unknown signer shape", func(t *testing.T) {
		svc := started(t, agenttest.New())
		var sg signer.Signer

		_, err := svc.Sign(ctx, "hello", &sg, SignOptions{})
		assert.Equal(t, eimzoerr.CodeInvalidCertificateType, eimzoerr.CodeOf(err))
	})

	t.Run("timestamp requested by default", func(t *testing.T) {
		gw := agenttest.New().
			Reply(opCreate, signedPayload("UEs=", "AA01")).
			Reply(opAttachTST, map[string]any{"success": true, "pkcs7_64": "U1RBTVBFRA=="})
		ts := pkcs7.TimestamperFunc(func(ctx context.Context, signatureHex, pkcs7B64 string) (*pkcs7.TimestampToken, error) {
			return &pkcs7.TimestampToken{TokenB64: "VFNU"}, nil
		})
		svc := started(t, gw, WithTimestamper(ts))
		sg := signer.FromToken(signer.TokenCKC)

		res, err := svc.Sign(ctx, "hello", &sg, SignOptions{})
		require.NoError(t, err)
		assert.Equal(t, "U1RBTVBFRA==", res.Signature)

		res, err = svc.Sign(ctx, "hello", &sg, SignOptions{NoTimestamp: true})
		require.NoError(t, err)
		assert.Equal(t, "UEs=", res.Signature)
		assert.Equal(t, 1, gw.Count(opAttachTST))
	})

	t.Run("panic becomes unknown error", func(t *testing.T) {
		gw := agent.GatewayFunc(func(ctx context.Context, call agent.Call) (*agent.Response, error) {
			panic("agent exploded")
		})
		svc := newTestService(gw)
		sg := signer.FromToken(signer.TokenCKC)

		res, err := svc.Sign(ctx, "hello", &sg, SignOptions{})
		assert.Nil(t, res)
		assert.Equal(t, eimzoerr.CodeUnknown, eimzoerr.CodeOf(err))
	})
}

func TestService_Attach(t *testing.T) {
	ctx := context.Background()

	t.Run("ckc with original string joins signatures", func(t *testing.T) {
		gw := agenttest.New().Reply(opCreate, signedPayload("RlJFU0g=", "C0FFEE"))
		svc := started(t, gw)
		sg := signer.FromToken(signer.TokenCKC)

		var gotExisting, gotFresh string
		joiner := JoinerFunc(func(ctx context.Context, existing, fresh string) (string, error) {
			gotExisting, gotFresh = existing, fresh
			return "Sk9JTkVE", nil
		})

		res, err := svc.Attach(ctx, "RVhJU1RJTkc=", &sg, AttachOptions{
			SignOptions:    SignOptions{NoTimestamp: true},
			OriginalString: "ZGF0YQ==",
			Joiner:         joiner,
		})
		require.NoError(t, err)
		assert.Equal(t, "Sk9JTkVE", res.Signature)
		assert.Equal(t, "C0FFEE", res.SignerSerialNumber)
		assert.Equal(t, "RVhJU1RJTkc=", gotExisting)
		assert.Equal(t, "RlJFU0g=", gotFresh)

		args := gw.Calls()[1].Arguments
		assert.Equal(t, []any{"ZGF0YQ==", "ckc", "no"}, args)
		assert.Zero(t, gw.Count(opAppend))
	})

	t.Run("original string without joiner", func(t *testing.T) {
		gw := agenttest.New()
		svc := started(t, gw)
		sg := signer.FromToken(signer.TokenIDCard)

		_, err := svc.Attach(ctx, "RVhJU1RJTkc=", &sg, AttachOptions{OriginalString: "ZGF0YQ=="})
		assert.Equal(t, eimzoerr.CodeInvalidParameters, eimzoerr.CodeOf(err))
		assert.Zero(t, gw.Count(opCreate))
	})

	t.Run("join failure", func(t *testing.T) {
		gw := agenttest.New().Reply(opCreate, signedPayload("RlJFU0g=", "C0FFEE"))
		svc := started(t, gw)
		sg := signer.FromToken(signer.TokenCKC)
		cause := errors.New("contents differ")

		_, err := svc.Attach(ctx, "RVhJU1RJTkc=", &sg, AttachOptions{
			OriginalString: "ZGF0YQ==",
			Joiner: JoinerFunc(func(ctx context.Context, existing, fresh string) (string, error) {
				return "", cause
			}),
		})
		assert.Equal(t, eimzoerr.CodeSignatureCreationFailed, eimzoerr.CodeOf(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("token without original string appends", func(t *testing.T) {
		gw := agenttest.New().Reply(opAppend, signedPayload("QVBQRU5ERUQ=", "AA"))
		svc := started(t, gw)
		sg := signer.FromToken(signer.TokenIDCard)

		res, err := svc.Attach(ctx, "RVhJU1RJTkc=", &sg, AttachOptions{})
		require.NoError(t, err)
		assert.Equal(t, "QVBQRU5ERUQ=", res.Signature)
		assert.Equal(t, []any{"RVhJU1RJTkc=", "idcard"}, gw.Calls()[1].Arguments)
	})

	t.Run("certkey credential loads a key and appends", func(t *testing.T) {
		gw := agenttest.New().
			Reply(opCertkeyLoad, map[string]any{"success": true, "keyId": "k-1"}).
			Reply(opAppend, signedPayload("QVBQRU5ERUQ=", "C1"))
		svc := started(t, gw)
		cred := certs.NewCredential(certs.FamilyCertkey, certs.Record{
			Disk: "D:", Path: "DSKEYS", Name: "DSC1",
			SubjectName: "SERIALNUMBER=C1,CN=HOLDER,1.2.860.3.16.1.1=12345",
		})
		sg := signer.FromCredential(cred)

		res, err := svc.AcceptSignature(ctx, sg, "RVhJU1RJTkc=", AttachOptions{})
		require.NoError(t, err)
		assert.Equal(t, "C1", res.SignerSerialNumber)
		require.NotNil(t, res.Credential)
		assert.Equal(t, "12345", res.Credential.HolderID)
		assert.Equal(t, []any{"RVhJU1RJTkc=", "k-1"}, gw.Calls()[2].Arguments)
	})

	t.Run("ignore search skips the remembered identifier", func(t *testing.T) {
		svc := started(t, agenttest.New())
		svc.Session().SetDefaultIdentifier("ckc")

		_, err := svc.Attach(ctx, "RVhJU1RJTkc=", nil, AttachOptions{IgnoreSearch: true})
		assert.ErrorIs(t, err, signer.ErrNoKeyIdentifier)
	})

	t.Run("remembered token", func(t *testing.T) {
		gw := agenttest.New().Reply(opAppend, signedPayload("QVBQRU5ERUQ=", "AA"))
		svc := started(t, gw)
		svc.Session().SetDefaultIdentifier("ckc")

		_, err := svc.Attach(ctx, "RVhJU1RJTkc=", nil, AttachOptions{})
		require.NoError(t, err)
		assert.Equal(t, "ckc", gw.Calls()[1].Arguments[1])
	})
}

func TestService_NotInitialized(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(agenttest.New())

	_, err := svc.Certificates(ctx, "")
	assert.Equal(t, eimzoerr.CodeNotInitialized, eimzoerr.CodeOf(err))

	_, err = svc.Tokens(ctx)
	assert.Equal(t, eimzoerr.CodeNotInitialized, eimzoerr.CodeOf(err))

	svc.Session().SetDefaultIdentifier("12345")
	_, err = svc.Sign(ctx, "hello", nil, SignOptions{})
	assert.Equal(t, eimzoerr.CodeNotInitialized, eimzoerr.CodeOf(err))
}

func TestService_Reset(t *testing.T) {
	ctx := context.Background()
	gw := agenttest.New().
		Reply(opPfxList, map[string]any{"certificates": []any{pfxAlias("12345", "P1", "2030.01.01")}}).
		Reply(opCertkeyList, map[string]any{"certificates": []any{}}).
		Reply(opPfxLoad, map[string]any{"success": true, "keyId": "handle-1"}).
		Reply(opCreate, signedPayload("UEs=", "P1"))
	svc := started(t, gw)
	svc.Session().SetDefaultIdentifier("12345")

	_, err := svc.Sign(ctx, "hello", nil, SignOptions{})
	require.NoError(t, err)

	svc.Reset()
	assert.False(t, svc.Initialized())
	_, ok := svc.Session().DefaultIdentifier()
	assert.False(t, ok)

	require.NoError(t, svc.Start(ctx, []string{"localhost", "KEYA"}))
	svc.Session().SetDefaultIdentifier("12345")
	_, err = svc.Sign(ctx, "hello", nil, SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, gw.Count(opPfxLoad))
}
