package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/camptocamp/r10k/deploy"
)

type GitHubEvent struct {
	Repository struct {
		HtmlURL  string `json:"html_url"`
		GitURL   string `json:"git_url"`
		SSHURL   string `json:"ssh_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`

	// The full git ref that was pushed. Example: refs/heads/main or refs/tags/v3.14.1.
	Ref string `json:"ref"`
	// The SHA of the most recent commit on ref before the push.
	Before string `json:"before"`
	// The SHA of the most recent commit on ref after the push.
	After string `json:"after"`
}

type remoteSyncer interface {
	QueueSyncRemote(remote string) error
}

type GithubWebhookHandler struct {
	deployer remoteSyncer
	secret   string
	log      *slog.Logger
}

func (wh *GithubWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !wh.isValidSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		wh.log.Error("invalid signature")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")

	var payload GitHubEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.log.Error("cannot unmarshal json payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The ping event is a confirmation from GitHub that
	// the webhook is configured correctly.
	if event == "ping" {
		w.Write([]byte("pong"))
		return
	}

	// only process 'push' event but return ok for all events to mark
	// successful delivery
	if event == "push" {
		wh.processPushEvent(payload)
		return
	}
}

func (wh *GithubWebhookHandler) isValidSignature(message []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(wh.computeHMAC(message, wh.secret)))
}

func (wh *GithubWebhookHandler) computeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))

	if _, err := mac.Write(message); err != nil {
		wh.log.Error("cannot compute hmac for request", "error", err)
		return ""
	}

	// GH adds `sha256=` prefix in header value
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// processPushEvent queues sync of working dirs of the pushed repository.
// html url identifies the same repository as the clone urls on github.com,
// clone urls are only tried if no deployment uses the html url.
func (wh *GithubWebhookHandler) processPushEvent(event GitHubEvent) {
	repo := event.Repository
	for _, remote := range []string{repo.HtmlURL, repo.CloneURL, repo.SSHURL, repo.GitURL} {
		if remote == "" {
			continue
		}
		err := wh.deployer.QueueSyncRemote(remote)
		if errors.Is(err, deploy.ErrNotExist) {
			continue
		}
		if err != nil {
			wh.log.Error("unable to process push event", "repo", remote, "err", err)
			return
		}
		wh.log.Info("push event processed", "repo", remote, "ref", event.Ref, "after", event.After)
		return
	}
	wh.log.Debug("push event for unknown repository", "repo", repo.HtmlURL)
}
