package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/quollsocial/quoll/activitypub"
	"github.com/quollsocial/quoll/domain"
	"github.com/quollsocial/quoll/util"
)

const activityJSON = "application/activity+json; charset=utf-8"

// Router wires up all federation endpoints and blocks serving them.
func Router(svc *activitypub.Service, conf *util.AppConfig) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbox delivery: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for incoming activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	inbox := handleInbox(svc)
	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, inbox)
	g.POST("/users/:name/inbox", RateLimitMiddleware(apLimiter), maxBodySize, inbox)

	g.GET("/users/:name", func(c *gin.Context) {
		acct := findLocalAccount(svc, c.Param("name"))
		if acct == nil {
			c.JSON(404, gin.H{"error": "actor not found"})
			return
		}
		c.Header("Content-Type", activityJSON)
		c.JSON(200, ActorDocument(acct))
	})

	g.GET("/users/:name/followers", handleCollection(svc,
		(*activitypub.Service).FollowersCollection,
		(*activitypub.Service).FollowersPage))

	g.GET("/users/:name/following", handleCollection(svc,
		(*activitypub.Service).FollowingCollection,
		(*activitypub.Service).FollowingPage))

	g.GET("/users/:name/outbox", func(c *gin.Context) {
		acct := findLocalAccount(svc, c.Param("name"))
		if acct == nil {
			c.JSON(404, gin.H{"error": "actor not found"})
			return
		}
		c.Header("Content-Type", activityJSON)
		c.JSON(200, activitypub.ASDict{
			"@context":   activitypub.ActivityStreamsNS,
			"id":         acct.OutboxURI,
			"type":       "OrderedCollection",
			"totalItems": acct.PostsCount,
		})
	})

	g.GET("/.well-known/webfinger", handleWebfinger(svc, conf))

	g.GET("/feed", handleFeed(svc))
	g.GET("/feed/:name", handleFeed(svc))

	// Locally minted objects and activities live under arbitrary paths,
	// so unmatched GETs fall through to an IRI lookup.
	g.NoRoute(handleObjectLookup(svc, conf))

	return g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
}

// findLocalAccount resolves a bare preferred username against every
// domain this instance serves.
func findLocalAccount(svc *activitypub.Service, name string) *domain.Account {
	for _, d := range svc.Conf.Conf.Domains {
		err, acct := svc.DB.ReadAccountByUsername(name + "@" + d)
		if err == nil && acct != nil {
			return acct
		}
	}
	return nil
}

func handleInbox(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			log.Printf("Inbox: failed to read body: %v", err)
			c.Status(400)
			return
		}

		signer, err := svc.Authenticate(c.Request)
		if err != nil {
			log.Printf("Inbox: authentication failed: %v", err)
			c.JSON(401, gin.H{"error": "signature verification failed"})
			return
		}

		err = svc.HandleActivity(signer, body)
		switch {
		case err == nil:
			c.Status(202)
		case errors.Is(err, activitypub.ErrActorMismatch):
			// Acknowledge but discard: the signer may not speak for
			// the claimed actor.
			log.Printf("Inbox: dropped activity from %s: %v", signer.ApID, err)
			c.Status(202)
		case errors.Is(err, activitypub.ErrInvalidForm),
			errors.Is(err, activitypub.ErrDomainMismatch):
			c.JSON(400, gin.H{"error": err.Error()})
		case errors.Is(err, activitypub.ErrObjectNotFound):
			c.JSON(404, gin.H{"error": err.Error()})
		default:
			log.Printf("Inbox: processing failed: %v", err)
			c.JSON(500, gin.H{"error": "could not process activity"})
		}
	}
}

type collectionFunc func(*activitypub.Service, *domain.Account) (activitypub.ASDict, error)
type collectionPageFunc func(*activitypub.Service, *domain.Account, int) (activitypub.ASDict, error)

func handleCollection(svc *activitypub.Service, summary collectionFunc, paged collectionPageFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct := findLocalAccount(svc, c.Param("name"))
		if acct == nil {
			c.JSON(404, gin.H{"error": "actor not found"})
			return
		}

		var doc activitypub.ASDict
		var err error
		if pageStr := c.Query("page"); pageStr != "" {
			page, perr := strconv.Atoi(pageStr)
			if perr != nil || page < 1 {
				c.JSON(400, gin.H{"error": "invalid page parameter"})
				return
			}
			doc, err = paged(svc, acct, page)
		} else {
			doc, err = summary(svc, acct)
		}
		if err != nil {
			c.JSON(500, gin.H{"error": "could not load collection"})
			return
		}

		c.Header("Content-Type", activityJSON)
		c.JSON(200, doc)
	}
}

// handleObjectLookup serves stored objects and activities by their IRI.
func handleObjectLookup(svc *activitypub.Service, conf *util.AppConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}

		host := c.Request.Host
		if !conf.IsLocalDomain(strings.Split(host, ":")[0]) && !conf.IsLocalDomain(host) {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}

		uri := "https://" + host + c.Request.URL.Path

		err, obj := svc.DB.ReadObjectByURI(uri)
		if err == nil && obj != nil {
			c.Data(200, activityJSON, []byte(obj.RawJSON))
			return
		}

		err, activity := svc.DB.ReadActivityByURI(uri)
		if err == nil && activity != nil && activity.Status == domain.StatusNormal {
			c.Data(200, activityJSON, []byte(activity.RawJSON))
			return
		}

		c.JSON(404, gin.H{"error": "not found"})
	}
}
