package replicate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediarender/internal/pkg/errors"
)

const signatureTolerance = 5 * time.Minute

// signatureVerifier checks Replicate's webhook-id / webhook-timestamp /
// webhook-signature headers.
type signatureVerifier struct {
	key []byte
	now func() time.Time
}

func newSignatureVerifier(secret string) *signatureVerifier {
	raw := strings.TrimPrefix(secret, "whsec_")
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		key = []byte(raw)
	}
	return &signatureVerifier{key: key, now: time.Now}
}

func (v *signatureVerifier) Verify(header http.Header, body []byte) error {
	const op = "replicate.verify"

	id := header.Get("webhook-id")
	ts := header.Get("webhook-timestamp")
	sigs := header.Get("webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return errors.New(errors.CodeUnauthorized, "missing webhook signature headers").WithOp(op)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.New(errors.CodeUnauthorized, "invalid webhook timestamp").WithOp(op)
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew > signatureTolerance || skew < -signatureTolerance {
		return errors.New(errors.CodeUnauthorized, "webhook timestamp outside tolerance").WithOp(op)
	}

	expected := v.sign(id, ts, body)
	// header holds space separated "v1,<base64>" entries
	for _, entry := range strings.Fields(sigs) {
		_, sig, ok := strings.Cut(entry, ",")
		if !ok {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return errors.New(errors.CodeUnauthorized, "webhook signature mismatch").WithOp(op)
}

func (v *signatureVerifier) sign(id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
