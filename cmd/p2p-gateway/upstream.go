package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	"github.com/libp2p/go-libp2p"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"lds.li/oauth2ext/clitoken"
	"lds.li/oauth2ext/provider"
	"lds.li/oauth2ext/tokencache"

	"lds.li/netagent/connecttunnel"
	"lds.li/netagent/overlay"
	"lds.li/netagent/pool"
)

// upstream is where the gateway's outbound connections go.
type upstream struct {
	dial     pool.DialFunc
	describe string
	close    func() error
}

func (u *upstream) Close() error {
	if u.close == nil {
		return nil
	}
	return u.close()
}

func newUpstream(ctx context.Context, cfg *config, log *zap.Logger) (*upstream, error) {
	if cfg.Overlay.Exit != "" {
		return newOverlayUpstream(cfg, log)
	}
	return newProxyUpstream(ctx, cfg, log)
}

func newOverlayUpstream(cfg *config, log *zap.Logger) (*upstream, error) {
	route, err := overlay.ParseRoute(cfg.Overlay.Exit, cfg.Overlay.Protocol, cfg.Overlay.Hops...)
	if err != nil {
		return nil, err
	}
	// The gateway only dials out.
	h, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		return nil, fmt.Errorf("starting libp2p host: %w", err)
	}
	log.Info("libp2p host started", zap.Stringer("peer", h.ID()), zap.Stringer("exit", route))

	f := &overlay.Forwarder{
		Dialer: &overlay.Dialer{
			Network: overlay.NewHostNetwork(h),
			Logger:  log.Named("overlay"),
		},
		Route: route,
	}
	return &upstream{dial: f.DialContext, describe: route.String(), close: h.Close}, nil
}

func newProxyUpstream(ctx context.Context, cfg *config, log *zap.Logger) (*upstream, error) {
	var tokenSource oauth2.TokenSource
	if cfg.OIDC.Issuer != "" {
		ts, err := createTokenSource(ctx, &cfg.OIDC)
		if err != nil {
			return nil, fmt.Errorf("creating token source: %w", err)
		}
		log.Info("OIDC token source created", zap.String("issuer", cfg.OIDC.Issuer))
		tokenSource = ts
	}

	clientCfg := &connecttunnel.ClientConfig{
		ProxyURL: cfg.Proxy.URL,
		HeadersForRequest: func(req *http.Request) (http.Header, error) {
			if tokenSource != nil {
				token, err := tokenSource.Token()
				if err != nil {
					return nil, fmt.Errorf("failed to get token: %w", err)
				}
				idToken, ok := token.Extra("id_token").(string)
				if !ok {
					return nil, fmt.Errorf("no id_token in response")
				}
				return http.Header{"Authorization": []string{"Bearer " + idToken}}, nil
			}
			if cfg.Proxy.Auth != "" {
				return http.Header{"Proxy-Authorization": []string{cfg.Proxy.Auth}}, nil
			}
			return nil, nil
		},
	}
	if cfg.Proxy.Insecure {
		log.Warn("TLS verification of the upstream proxy disabled")
		clientCfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	typ := cfg.Proxy.Type
	if typ == "" {
		typ = "h1"
		if strings.HasPrefix(cfg.Proxy.URL, "https") {
			typ = "h2"
		}
	}
	var d connecttunnel.Dialer
	switch typ {
	case "h1":
		d = connecttunnel.NewH1Dialer(clientCfg)
	case "h2":
		d = connecttunnel.NewH2Dialer(clientCfg)
	case "h2c":
		d = connecttunnel.NewH2CDialer(clientCfg)
	default:
		return nil, fmt.Errorf("invalid proxy type: %s (must be h1, h2, or h2c)", typ)
	}
	return &upstream{dial: d.DialContext, describe: typ + " " + cfg.Proxy.URL}, nil
}

// createTokenSource creates a cached OAuth2 token source that runs the
// browser flow when no valid token is cached.
func createTokenSource(ctx context.Context, oc *oidcConfig) (oauth2.TokenSource, error) {
	p, err := provider.DiscoverOIDCProvider(ctx, oc.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	scopes := strings.Split(oc.Scopes, ",")
	for i := range scopes {
		scopes[i] = strings.TrimSpace(scopes[i])
	}
	oauth2Config := oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		Endpoint:     p.Endpoint(),
		Scopes:       scopes,
	}

	cliConfig := &clitoken.Config{OAuth2Config: oauth2Config}
	clitsrc, err := cliConfig.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}

	ccfg := tokencache.Config{
		Issuer: oc.Issuer,
		CacheKey: tokencache.IDTokenCacheKey{
			ClientID: oc.ClientID,
			Scopes:   scopes,
		}.Key(),
		WrappedSource: clitsrc,
		OAuth2Config:  &oauth2Config,
		Cache:         clitoken.BestCredentialCache(),
	}
	return ccfg.TokenSource(ctx)
}
