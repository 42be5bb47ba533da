package requestdata

import (
	"context"
	"strings"
)

type PrincipalKind string

const (
	PrincipalKindUser PrincipalKind = "user"
	PrincipalKindIP   PrincipalKind = "ip"
)

// RequestData carries the authenticated principal for one request.
// When no bearer token is present the client IP is the principal; it is
// only ever used as a quota key.
type RequestData struct {
	TokenString   string
	PrincipalKind PrincipalKind
	PrincipalID   string
	ClientIP      string
}

func (rd *RequestData) Authenticated() bool {
	return rd != nil && rd.PrincipalKind == PrincipalKindUser && strings.TrimSpace(rd.PrincipalID) != ""
}

// QuotaKey is the stable identity the usage counter is keyed on.
func (rd *RequestData) QuotaKey() (PrincipalKind, string) {
	if rd == nil {
		return PrincipalKindIP, ""
	}
	return rd.PrincipalKind, rd.PrincipalID
}

type ctxKey struct{}

var requestDataKey ctxKey

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	val := ctx.Value(requestDataKey)
	if rd, ok := val.(*RequestData); ok {
		return rd
	}
	return nil
}
