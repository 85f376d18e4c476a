package appstore

import (
	"crypto/x509"

	"github.com/roamcart/roamcart/internal/appstore/jws"
	"github.com/roamcart/roamcart/internal/appstore/receipt"
	"github.com/roamcart/roamcart/internal/appstore/service"
	"github.com/roamcart/roamcart/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("appstore",
	fx.Provide(NewVerifier),
	fx.Provide(service.NewService),
	fx.Provide(receipt.NewValidator),
)

// NewVerifier builds the signed-token verifier from the pinned root CA
// file. Without pinned roots the verifier fails closed: every token is
// rejected rather than trusted on its embedded chain alone.
func NewVerifier(cfg config.Config, log *zap.Logger) *jws.Verifier {
	if cfg.AppStore.RootCAFile == "" {
		log.Warn("no app-store root CA configured; all signed payloads will be rejected")
		return jws.NewVerifier(x509.NewCertPool())
	}
	verifier, err := jws.NewVerifierFromFile(cfg.AppStore.RootCAFile)
	if err != nil {
		log.Error("load app-store root CA", zap.Error(err))
		return jws.NewVerifier(x509.NewCertPool())
	}
	return verifier
}
