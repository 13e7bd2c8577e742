package activitypub

import (
	"fmt"

	"github.com/quollsocial/quoll/domain"
)

// collectionPageSize is the fixed page size of followers/following
// collections.
const collectionPageSize = 50

// FollowersCollection produces the OrderedCollection summary of an
// account's followers.
func (s *Service) FollowersCollection(account *domain.Account) (ASDict, error) {
	total, err := s.DB.CountFollowers(account.Id)
	if err != nil {
		return nil, err
	}
	return collectionSummary(account.FollowersURI, total), nil
}

// FollowersPage produces one OrderedCollectionPage of an account's
// followers, ascending by follow creation time.
func (s *Service) FollowersPage(account *domain.Account, page int) (ASDict, error) {
	total, err := s.DB.CountFollowers(account.Id)
	if err != nil {
		return nil, err
	}

	items, hasNext, err := s.followersItems(account, page)
	if err != nil {
		return nil, err
	}
	return collectionPage(account.FollowersURI, total, items, page, hasNext), nil
}

// FollowingCollection produces the OrderedCollection summary of the
// accounts someone follows.
func (s *Service) FollowingCollection(account *domain.Account) (ASDict, error) {
	total, err := s.DB.CountFollowing(account.Id)
	if err != nil {
		return nil, err
	}
	return collectionSummary(account.FollowingURI, total), nil
}

// FollowingPage produces one OrderedCollectionPage of the accounts
// someone follows.
func (s *Service) FollowingPage(account *domain.Account, page int) (ASDict, error) {
	total, err := s.DB.CountFollowing(account.Id)
	if err != nil {
		return nil, err
	}

	items, hasNext, err := s.followingItems(account, page)
	if err != nil {
		return nil, err
	}
	return collectionPage(account.FollowingURI, total, items, page, hasNext), nil
}

func (s *Service) followersItems(account *domain.Account, page int) ([]string, bool, error) {
	err, items := s.DB.ReadFollowersPage(account.Id, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		return nil, false, err
	}
	// Probe the next page; an empty result means no next link
	err, probe := s.DB.ReadFollowersPage(account.Id, collectionPageSize, page*collectionPageSize)
	if err != nil {
		return nil, false, err
	}
	return items, len(probe) > 0, nil
}

func (s *Service) followingItems(account *domain.Account, page int) ([]string, bool, error) {
	err, items := s.DB.ReadFollowingPage(account.Id, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		return nil, false, err
	}
	err, probe := s.DB.ReadFollowingPage(account.Id, collectionPageSize, page*collectionPageSize)
	if err != nil {
		return nil, false, err
	}
	return items, len(probe) > 0, nil
}

func collectionSummary(baseURI string, total int) ASDict {
	return ASDict{
		"@context":   ActivityStreamsNS,
		"id":         baseURI,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      baseURI + "?page=1",
	}
}

func collectionPage(baseURI string, total int, items []string, page int, hasNext bool) ASDict {
	if items == nil {
		items = []string{}
	}
	result := ASDict{
		"@context":     ActivityStreamsNS,
		"id":           fmt.Sprintf("%s?page=%d", baseURI, page),
		"type":         "OrderedCollectionPage",
		"totalItems":   total,
		"partOf":       baseURI,
		"orderedItems": items,
	}
	if page > 1 {
		result["prev"] = fmt.Sprintf("%s?page=%d", baseURI, page-1)
	}
	if hasNext {
		result["next"] = fmt.Sprintf("%s?page=%d", baseURI, page+1)
	}
	return result
}
