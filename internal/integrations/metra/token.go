package metra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamToken reads the bearer token from a parameter store on first use and
// reuses it for the lifetime of the process. A failed fetch is not cached;
// the next call tries again.
type ParamToken struct {
	getter Getter
	name   string

	mu    sync.Mutex
	token string
}

func NewParamToken(getter Getter, name string) (*ParamToken, error) {
	if getter == nil {
		return nil, errors.New("metra: paramstore getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("metra: token parameter name must not be empty")
	}
	return &ParamToken{getter: getter, name: name}, nil
}

func (p *ParamToken) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}
	token, err := fetchTokenFromParamStore(ctx, p.getter, p.name)
	if err != nil {
		return "", err
	}
	p.token = token
	return token, nil
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("metra: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("metra: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("metra: API token is empty")
	}
	return tp.Token, nil
}
