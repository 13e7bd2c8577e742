package web

import (
	"github.com/quollsocial/quoll/activitypub"
	"github.com/quollsocial/quoll/domain"
)

// ActorDocument renders a local account as an ActivityPub actor. The
// security vocabulary rides along in @context because the document
// carries a publicKey block.
func ActorDocument(acct *domain.Account) activitypub.ASDict {
	doc := activitypub.ASDict{
		"@context": []interface{}{
			activitypub.ActivityStreamsNS,
			activitypub.SecurityNS,
		},
		"id":                        acct.ApID,
		"type":                      acct.ActorType,
		"preferredUsername":         acct.PreferredUsername(),
		"inbox":                     acct.InboxURI,
		"outbox":                    acct.OutboxURI,
		"following":                 acct.FollowingURI,
		"followers":                 acct.FollowersURI,
		"manuallyApprovesFollowers": acct.Locked,
		"publicKey": activitypub.ASDict{
			"id":           acct.KeyId(),
			"owner":        acct.ApID,
			"publicKeyPem": acct.PublicKey,
		},
	}
	if acct.Name != "" {
		doc["name"] = acct.Name
	}
	if acct.Summary != "" {
		doc["summary"] = acct.Summary
	}
	if acct.URL != "" {
		doc["url"] = acct.URL
	}
	return doc
}
