package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks a notification's x-signature header
// ("ts=<unix>,v1=<hex hmac>") against the manifest
// "id:<data id>;request-id:<x-request-id>;ts:<ts>;" signed with secret.
func VerifySignature(secret, header, requestID, dataID string) bool {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	want, err := hex.DecodeString(v1)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sign(secret, manifest(dataID, requestID, ts)))
}

// Sign produces the header value VerifySignature accepts.
func Sign(secret, requestID, dataID, ts string) string {
	return "ts=" + ts + ",v1=" + hex.EncodeToString(sign(secret, manifest(dataID, requestID, ts)))
}

func manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

func sign(secret, msg string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
