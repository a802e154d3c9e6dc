package validator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// Validator checks end-to-end connectivity through a local SOCKS5 endpoint.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate performs one GET of testURL through socks5://127.0.0.1:<socksPort>.
// 2xx and 3xx responses count as reachable.
func (v *Validator) Validate(ctx context.Context, socksPort int, testURL string, timeout time.Duration) types.Outcome {
	l := logger.WithComponent("Validator")
	out := types.Outcome{Strategy: types.StrategyProxy, Confidence: types.ConfidenceStrict}

	proxyAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		out.Kind = types.KindValidationFailed
		out.Detail = fmt.Sprintf("failed to create SOCKS5 dialer: %v", err)
		return out
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		out.Kind = types.KindValidationFailed
		out.Detail = "SOCKS5 dialer does not support contexts"
		return out
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           contextDialer.DialContext,
		IdleConnTimeout:       timeout,
		TLSHandshakeTimeout:   timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		// The first response is the verdict, redirects are not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		l.Error().Err(err).Str("url", testURL).Msg("Failed to create validation request.")
		out.Kind = types.KindValidationFailed
		out.Detail = fmt.Sprintf("invalid test url: %v", err)
		return out
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		out.Kind = types.KindValidationFailed
		if errors.Is(ctx.Err(), context.Canceled) {
			out.Kind = types.KindProbeCancelled
		}
		out.Detail = fmt.Sprintf("request through socks5 %s failed: %v", proxyAddr, err)
		return out
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		out.Kind = types.KindValidationFailed
		out.Detail = fmt.Sprintf("received non-successful status code: %d", resp.StatusCode)
		return out
	}

	out.Reachable = true
	out.Latency = time.Since(start)
	out.Detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return out
}
