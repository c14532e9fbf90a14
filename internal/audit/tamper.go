package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"
)

// dangerousPatterns flags content that suggests code injection into a
// policy file rather than an ordinary rule change (spec §4.4
// CONTENT_INJECTION).
var dangerousPatterns = []string{"eval(", "exec(", "system(", "os.system(", "subprocess.", "Runtime.exec("}

// ComputeFileSnapshot reads path and computes the hashes needed to detect
// tampering against a later read. signingKey, when non-empty, produces a
// keyed SignatureHash (spec §4.4 SIGNATURE_MISMATCH); an empty key leaves
// SignatureHash blank and VerifyPolicy skips the signature comparison.
func ComputeFileSnapshot(policyID, path, signingKey string) (PolicySnapshot, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return PolicySnapshot{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return PolicySnapshot{}, err
	}

	contentHash := sha256Hex(content)
	metadataHash := sha256Hex([]byte(info.Name() + ":" + info.Mode().String()))
	fileHash := sha256Hex(content)
	snapshotHash := sha256Hex([]byte(contentHash + "|" + metadataHash + "|" + fileHash))

	var signatureHash string
	if signingKey != "" {
		signatureHash = hmacHex(content, signingKey)
	}

	return PolicySnapshot{
		PolicyID:      policyID,
		ContentHash:   contentHash,
		MetadataHash:  metadataHash,
		FileHash:      fileHash,
		FileSize:      info.Size(),
		FileMTime:     info.ModTime().UTC(),
		SignatureHash: signatureHash,
		SnapshotHash:  snapshotHash,
	}, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacHex(content []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPolicy compares a stored snapshot against a freshly computed one
// and reports every discrepancy found (spec §4.4 tamper detection).
// The signature comparison is skipped when the stored snapshot or the
// fresh one (built with signingKey) carries no signature; a signingKey
// that differs from the one used for the stored snapshot is reported as a
// signature mismatch.
func VerifyPolicy(ctx context.Context, store Store, policyID, path, signingKey string) ([]TamperingEvent, error) {
	stored, ok, err := store.GetPolicySnapshot(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	live, err := ComputeFileSnapshot(policyID, path, signingKey)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []TamperingEvent
	now := time.Now().UTC()

	if stored.ContentHash == live.ContentHash && stored.SnapshotHash != live.SnapshotHash {
		events = append(events, TamperingEvent{PolicyID: policyID, Subtype: HashCollision, Detail: "content hash matches but snapshot hash diverges", Timestamp: now})
	}
	if stored.ContentHash != live.ContentHash {
		events = append(events, TamperingEvent{PolicyID: policyID, Subtype: UnauthorizedModification, Detail: "content hash changed", Timestamp: now})
		for _, pattern := range dangerousPatterns {
			if strings.Contains(string(content), pattern) {
				events = append(events, TamperingEvent{PolicyID: policyID, Subtype: ContentInjection, Detail: "dangerous pattern: " + pattern, Timestamp: now})
				break
			}
		}
	}
	if stored.MetadataHash != live.MetadataHash && stored.ContentHash == live.ContentHash {
		events = append(events, TamperingEvent{PolicyID: policyID, Subtype: MetadataTampering, Detail: "metadata changed without content change", Timestamp: now})
	}
	if (stored.FileSize != live.FileSize || !stored.FileMTime.Equal(live.FileMTime)) && stored.ContentHash == live.ContentHash {
		events = append(events, TamperingEvent{PolicyID: policyID, Subtype: FileReplacement, Detail: "size/mtime diverged with unchanged content hash", Timestamp: now})
	}
	if stored.SignatureHash != "" && live.SignatureHash != "" && stored.SignatureHash != live.SignatureHash {
		events = append(events, TamperingEvent{PolicyID: policyID, Subtype: SignatureMismatch, Detail: "signature hash no longer matches signing key", Timestamp: now})
	}
	return events, nil
}
