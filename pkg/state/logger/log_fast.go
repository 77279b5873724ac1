package logger

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// headers whose values are credentials
var credentialHeaders = map[string]struct{}{
	"authorization":     {},
	"x-api-key":         {},
	"x-user-signature":  {},
	"cookie":            {},
	"sec-websocket-key": {},
}

// RedactHeader masks credentials and leaves other header values intact.
// Masked values keep only their first and last rune.
func RedactHeader(k, v string) string {
	if _, ok := credentialHeaders[strings.ToLower(k)]; !ok || v == "" {
		return v
	}
	r := []rune(v)
	if len(r) <= 2 {
		return "<redacted>"
	}
	return string(r[0]) + "*****" + string(r[len(r)-1])
}

// LogRequestFast logs ctx at debug level with its headers redacted. Nothing
// is built when debug is off.
func LogRequestFast(ctx *fasthttp.RequestCtx) {
	l := current()
	if l == nil || l.GetLevel() > zerolog.DebugLevel {
		return
	}
	headers := zerolog.Dict()
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		headers.Str(key, RedactHeader(key, string(v)))
	})
	l.Debug().
		Bytes("method", ctx.Method()).
		Bytes("path", ctx.Path()).
		Str("remote", ctx.RemoteAddr().String()).
		Dict("headers", headers).
		Msg("incoming_request")
}
