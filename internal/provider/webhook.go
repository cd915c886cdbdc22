package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"
	"strings"

	"github.com/rookgm/esimhub/internal/models"
)

// VerifyHMAC checks a hex encoded HMAC of payload keyed with secret. The
// signature may carry an "<alg>=" prefix. A missing signature or secret is
// always invalid.
func VerifyHMAC(newHash func() hash.Hash, payload []byte, signature, secret string) models.WebhookValidation {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return models.WebhookValidation{Reason: "missing signature"}
	}
	if secret == "" {
		return models.WebhookValidation{Reason: "webhook secret is not configured"}
	}
	if i := strings.IndexByte(signature, '='); i >= 0 {
		signature = signature[i+1:]
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return models.WebhookValidation{Reason: "malformed signature"}
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return models.WebhookValidation{Reason: "signature mismatch"}
	}
	return models.WebhookValidation{IsValid: true}
}

// SignHMAC returns the hex encoded HMAC of payload keyed with secret.
func SignHMAC(newHash func() hash.Hash, payload []byte, secret string) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// EventKey derives the identity of a normalized event. Two deliveries of the
// same callback produce the same key.
func EventKey(providerID string, ev *models.WebhookEvent) string {
	// json.Marshal sorts map keys, so the rendering is canonical
	data, _ := json.Marshal(ev.Data)

	h := sha256.New()
	for _, part := range []string{
		providerID,
		string(ev.Type),
		ev.ProviderOrderID,
		ev.ICCID,
		string(ev.Status),
		string(data),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DecodeObject unmarshals a callback body into a generic object.
func DecodeObject(payload []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

// String returns obj[key] rendered as a string, numbers included.
func String(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

// Object returns obj[key] if it is a JSON object.
func Object(obj map[string]any, key string) map[string]any {
	v, _ := obj[key].(map[string]any)
	return v
}

// Float returns obj[key] as a number, parsing numeric strings.
func Float(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
