package guard

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/msgcore/msgcore/internal/errs"
)

func stubResolver(t *testing.T, addrs map[string][]net.IPAddr, lookupErr error) {
	t.Helper()
	previous := lookupIPAddr
	lookupIPAddr = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		if lookupErr != nil {
			return nil, lookupErr
		}
		return addrs[host], nil
	}
	t.Cleanup(func() { lookupIPAddr = previous })
}

func TestValidateFetchURLResolvesHostnames(t *testing.T) {
	stubResolver(t, map[string][]net.IPAddr{
		"cdn.example.com":      {{IP: net.ParseIP("93.184.216.34")}},
		"intranet.example.com": {{IP: net.ParseIP("10.20.30.40")}},
		"dual.example.com":     {{IP: net.ParseIP("93.184.216.34")}, {IP: net.ParseIP("192.168.1.5")}},
	}, nil)

	if err := ValidateFetchURL(context.Background(), "https://cdn.example.com/a.png", PurposeAttachment); err != nil {
		t.Fatalf("public hostname rejected: %v", err)
	}
	err := ValidateFetchURL(context.Background(), "https://intranet.example.com/a.png", PurposeAttachment)
	if !errors.Is(err, errs.ErrSSRFBlocked) {
		t.Fatalf("hostname resolving to private space = %v, want SSRFBlocked", err)
	}
	// One private address among several public ones still blocks the fetch.
	err = ValidateFetchURL(context.Background(), "https://dual.example.com/a.png", PurposeAttachment)
	if !errors.Is(err, errs.ErrSSRFBlocked) {
		t.Fatalf("mixed resolution = %v, want SSRFBlocked", err)
	}
}

func TestValidateFetchURLLiteralSkipsResolution(t *testing.T) {
	stubResolver(t, nil, errors.New("resolver must not be called"))
	if err := ValidateFetchURL(context.Background(), "http://93.184.216.34/x", PurposeAttachment); err != nil {
		t.Fatalf("public literal rejected: %v", err)
	}
	err := ValidateFetchURL(context.Background(), "http://10.0.0.1/x", PurposeAttachment)
	if !errors.Is(err, errs.ErrSSRFBlocked) {
		t.Fatalf("private literal = %v, want SSRFBlocked", err)
	}
}

func TestValidateFetchURLResolutionFailure(t *testing.T) {
	stubResolver(t, nil, errors.New("no such host"))
	err := ValidateFetchURL(context.Background(), "https://ghost.example.com/a.png", PurposeAttachment)
	if !errors.Is(err, errs.ErrInvalidURL) {
		t.Fatalf("unresolvable hostname = %v, want InvalidURL", err)
	}
}
