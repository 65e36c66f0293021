package credential

//go:generate mockgen -source=verifier.go -destination=mocks/mock_verifier.go -package=mocks

import (
	"context"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
)

// Verifier submits a claimer to the credential. Implementations never return
// a Go error; every outcome is reported in the result.
type Verifier interface {
	VerifyClaim(ctx context.Context, claimer string) model.VerifyResult
}
