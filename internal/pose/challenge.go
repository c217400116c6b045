package pose

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coc-node/internal/signer"
	"coc-node/internal/types"
)

// ChallengeTTL bounds how long a target has to answer (spec.md §4.11
// step 6 implies a deadline; the exact window is this package's choice).
const ChallengeTTL = 30 * time.Second

// NewChallenge builds and signs a Challenge against nodeID for the given
// epoch/type (spec.md §4.11 step 6: "Issue signed challenge"). querySpec
// carries type-specific parameters (e.g. the storage chunk index).
func NewChallenge(sign *signer.Signer, epochID uint64, nodeID string, typ types.ChallengeType, querySpec map[string]interface{}) (*types.Challenge, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("pose: new challenge: %w", err)
	}
	seed, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("pose: new challenge: %w", err)
	}
	now := time.Now().UnixMilli()
	c := &types.Challenge{
		ChallengeID:  uuid.NewString(),
		EpochID:      epochID,
		NodeID:       nodeID,
		Type:         typ,
		Nonce:        nonce,
		RandSeed:     seed,
		IssuedAtMs:   now,
		DeadlineMs:   now + ChallengeTTL.Milliseconds(),
		QuerySpec:    querySpec,
		ChallengerID: sign.NodeID().Hex(),
	}
	msg := signer.PoSeChallengeMessage(c.ChallengeID, c.EpochID, c.NodeID)
	sig, err := sign.SignMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("pose: sign challenge: %w", err)
	}
	c.ChallengerSig = sig
	return c, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
