package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	maxWebhookBody  = 5 << 20
)

type webhookResp struct {
	Ignored bool   `json:"ignored"`
	Reason  string `json:"reason,omitempty"`
}

// rateLimit rejects webhook deliveries beyond the configured rate with 429.
func (r *Router) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.limiter != nil && !r.limiter.Allow() {
			c.Header("Retry-After", "1")
			writeJSON(c, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// handleWebhook accepts a GitHub-style push event. Branch pushes are cloned or
// pulled and registered; tags and branch deletions are acknowledged and ignored.
func (r *Router) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	if r.webhook.Secret != "" && !validSignature(r.webhook.Secret, c.GetHeader(signatureHeader), body) {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "invalid signature"})
		return
	}
	if !gjson.ValidBytes(body) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON payload"})
		return
	}
	payload := gjson.ParseBytes(body)
	ref := payload.Get("ref").String()
	repoURL := payload.Get("repository.clone_url").String()

	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	switch {
	case !ok:
		writeJSON(c, http.StatusAccepted, webhookResp{Ignored: true, Reason: "ignored ref " + ref})
		return
	case payload.Get("deleted").Bool():
		writeJSON(c, http.StatusAccepted, webhookResp{Ignored: true, Reason: "ignored branch deletion"})
		return
	case branch == "" || repoURL == "":
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "payload requires ref and repository.clone_url"})
		return
	}
	run, _ := strconv.ParseBool(c.Query("run"))
	resp, code, err := r.acquire(c.Request.Context(), repoReq{RepoURL: repoURL, Branch: branch, Run: run})
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	writeJSON(c, code, resp)
}

// validSignature checks a "sha256=<hex>" HMAC of body.
func validSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
