package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"

	"github.com/quollsocial/quoll/activitypub"
	"github.com/quollsocial/quoll/domain"
)

const feedItemLimit = 20

// handleFeed serves an RSS feed of an account's recent posts. The
// account comes from the path, or from ?username= on the bare route.
func handleFeed(svc *activitypub.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if name == "" {
			name = c.Query("username")
		}
		acct := findLocalAccount(svc, name)
		if acct == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		err, activities := svc.DB.ReadLocalCreateActivitiesByActor(acct.ApID, feedItemLimit)
		if err != nil || activities == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load posts"})
			return
		}

		feed := &feeds.Feed{
			Title:       acct.Username,
			Link:        &feeds.Link{Href: acct.URL},
			Description: acct.Summary,
			Created:     acct.CreatedAt,
		}

		for _, activity := range *activities {
			item := feedItem(svc, &activity)
			if item != nil {
				feed.Items = append(feed.Items, item)
			}
		}

		rss, err := feed.ToRss()
		if err != nil {
			log.Printf("Feed: rendering rss for %s: %v", acct.Username, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not render feed"})
			return
		}

		c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
	}
}

func feedItem(svc *activitypub.Service, activity *domain.ASActivity) *feeds.Item {
	err, obj := svc.DB.ReadObjectByURI(activity.ObjectURI)
	if err != nil || obj == nil {
		return nil
	}

	var doc activitypub.ASDict
	if err := json.Unmarshal([]byte(obj.RawJSON), &doc); err != nil {
		return nil
	}

	content, _ := doc["content"].(string)
	title, _ := doc["name"].(string)
	if title == "" {
		title = obj.ObjectURI
	}

	return &feeds.Item{
		Id:      obj.ObjectURI,
		Title:   title,
		Link:    &feeds.Link{Href: obj.ObjectURI},
		Content: content,
		Created: obj.CreatedAt,
	}
}
