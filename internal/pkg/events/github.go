package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bountyforge/bountyforge/app/models"
)

// VerifyGitHubSignature checks the X-Hub-Signature-256 header (format
// "sha256=<hex>") against an HMAC-SHA256 of the raw body.
func VerifyGitHubSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

type githubInstallationPayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
		} `json:"account"`
	} `json:"installation"`
	Repositories []struct {
		ID int64 `json:"id"`
	} `json:"repositories"`
	RepositoriesAdded []struct {
		ID int64 `json:"id"`
	} `json:"repositories_added"`
}

// NormalizeGitHubEvent maps a GitHub App webhook into the internal
// vocabulary. Only installation lifecycle events mutate state; everything
// else is a noop that still gets recorded as processed.
func NormalizeGitHubEvent(eventName, deliveryID string, payload []byte) NormalizedEvent {
	out := NormalizedEvent{
		Provider:  models.EventProviderGitHub,
		EventID:   strings.TrimSpace(deliveryID),
		EventType: TypeNoop,
		Payload:   Payload{RawJSON: string(payload)},
	}

	switch strings.ToLower(strings.TrimSpace(eventName)) {
	case "installation", "installation_repositories":
		var raw githubInstallationPayload
		if err := json.Unmarshal(payload, &raw); err != nil {
			return out
		}
		if raw.Installation.ID == 0 {
			return out
		}
		out.EventType = TypeInstallationChanged
		out.EntityID = strconv.FormatInt(raw.Installation.ID, 10)
		out.Payload.InstallationID = raw.Installation.ID
		out.Payload.AccountID = raw.Installation.Account.ID
		out.Payload.AccountLogin = raw.Installation.Account.Login
		out.Payload.Action = raw.Action
		for _, r := range raw.Repositories {
			out.Payload.RepositoryIDs = append(out.Payload.RepositoryIDs, r.ID)
		}
		for _, r := range raw.RepositoriesAdded {
			out.Payload.RepositoryIDs = append(out.Payload.RepositoryIDs, r.ID)
		}
	}

	return out
}
