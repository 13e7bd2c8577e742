package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quollsocial/quoll/activitypub"
	"github.com/quollsocial/quoll/domain"
	"github.com/quollsocial/quoll/util"
)

// WebfingerResponse is the JRD document returned by /.well-known/webfinger.
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// resolveWebfingerAccount looks up a local account from a webfinger
// resource parameter. Both the acct:user@domain and the bare https://
// actor IRI forms are accepted.
func resolveWebfingerAccount(svc *activitypub.Service, conf *util.AppConfig, resource string) (*domain.Account, error) {
	if handle, ok := strings.CutPrefix(resource, "acct:"); ok {
		name, host, found := strings.Cut(handle, "@")
		if !found || name == "" || host == "" {
			return nil, fmt.Errorf("malformed acct resource %q", resource)
		}
		if !conf.IsLocalDomain(host) {
			return nil, fmt.Errorf("domain %s is not served here", host)
		}
		err, acct := svc.DB.ReadAccountByUsername(name + "@" + host)
		return acct, err
	}

	if strings.HasPrefix(resource, "https://") {
		err, acct := svc.DB.ReadAccountByApID(resource)
		if err != nil {
			return nil, err
		}
		if !acct.IsLocal(conf.Conf.Domains) {
			return nil, fmt.Errorf("actor %s is not local", resource)
		}
		return acct, nil
	}

	return nil, fmt.Errorf("unsupported resource form %q", resource)
}

func handleWebfinger(svc *activitypub.Service, conf *util.AppConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := c.Query("resource")
		if resource == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing resource parameter"})
			return
		}

		acct, err := resolveWebfingerAccount(svc, conf, resource)
		if err != nil || acct == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
			return
		}

		resp := WebfingerResponse{
			Subject: "acct:" + acct.Username,
			Aliases: []string{acct.ApID},
			Links: []WebfingerLink{
				{
					Rel:  "self",
					Type: "application/activity+json",
					Href: acct.ApID,
				},
			},
		}
		if acct.URL != "" {
			resp.Links = append(resp.Links, WebfingerLink{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: acct.URL,
			})
		}

		c.Header("Content-Type", "application/jrd+json")
		c.JSON(http.StatusOK, resp)
	}
}
