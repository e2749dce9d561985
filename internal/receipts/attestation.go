package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"flowmint-engine/internal/models"
)

// legHash covers the leg's own fields plus the previous leg's hash, so
// mutating any leg invalidates every hash downstream of it.
func legHash(leg models.AttestationLeg) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s",
		leg.ReceiptID, leg.LegIndex,
		leg.TokenIn, leg.TokenOut,
		leg.AmountIn.String(), leg.AmountOut.String(),
		leg.Signature, leg.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// merkleRoot builds a binary tree over the leg hashes. An odd leaf is
// duplicated, not dropped.
func merkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(h[:]))
		}
		level = next
	}
	return level[0]
}

// VerifyResult locates exactly where a chain broke instead of collapsing
// everything into one pass/fail bit.
type VerifyResult struct {
	OK bool `json:"ok"`
	// FailedLeg is the index of the first leg whose recomputed hash does
	// not match its stored hash; -1 when all legs match.
	FailedLeg int `json:"failed_leg"`
	// BrokenLink is the index of the first leg whose prev_hash does not
	// match the preceding leg's hash; -1 when the chain is intact.
	BrokenLink int `json:"broken_link"`
	// RootMismatch is set when every leg verifies but the recomputed
	// Merkle root differs from the stored one.
	RootMismatch bool   `json:"root_mismatch"`
	Detail       string `json:"detail"`
}

// verifyChain recomputes every leg hash, every chain link, and the root.
func verifyChain(legs []models.AttestationLeg, storedRoot string) VerifyResult {
	res := VerifyResult{FailedLeg: -1, BrokenLink: -1}

	prev := ""
	for i, leg := range legs {
		if leg.PrevHash != prev {
			res.BrokenLink = i
			res.Detail = fmt.Sprintf("leg %d prev_hash does not match leg %d hash", i, i-1)
			return res
		}
		if recomputed := legHash(leg); recomputed != leg.Hash {
			res.FailedLeg = i
			res.Detail = fmt.Sprintf("leg %d hash mismatch", i)
			return res
		}
		prev = leg.Hash
	}

	hashes := make([]string, len(legs))
	for i, leg := range legs {
		hashes[i] = leg.Hash
	}
	if root := merkleRoot(hashes); root != storedRoot {
		res.RootMismatch = true
		res.Detail = "recomputed merkle root does not match stored root"
		return res
	}

	res.OK = true
	return res
}
