package scraper

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/corvidlabs/xstream/pkg/types"
)

// Profile is the result shape for extract-profile.
type Profile struct {
	Handle        string
	DisplayName   string
	FollowerCount int
	LoggedIn      bool
}

func extractProfile(ctx context.Context, args Args) (any, error) {
	handle, _ := args["handle"].(string)
	if handle == "" {
		return nil, types.NewFault(types.FaultValidation, "scraper.extract-profile", "missing required arg \"handle\"", nil)
	}

	var rawCount string
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/"+handle),
		chromedp.WaitVisible(ProfileFollowersCount, chromedp.ByQuery),
		chromedp.Text(ProfileFollowersCount, &rawCount, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}

	return &Profile{
		Handle:        handle,
		FollowerCount: parseCompactCount(rawCount),
		LoggedIn:      true,
	}, nil
}

func listTweetsByUser(ctx context.Context, args Args) (any, error) {
	handle, _ := args["handle"].(string)
	if handle == "" {
		return nil, types.NewFault(types.FaultValidation, "scraper.list-tweets-by-user", "missing required arg \"handle\"", nil)
	}
	limit, _ := args["limit"].(int)
	if limit <= 0 {
		limit = 20
	}

	var texts []string
	var links []string
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/"+handle),
		chromedp.WaitVisible(WaitForTweets, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(
			`Array.from(document.querySelectorAll(%q)).slice(0, %d).map(e => e.textContent)`,
			TweetText, limit), &texts),
		chromedp.Evaluate(fmt.Sprintf(
			`Array.from(document.querySelectorAll(%q)).slice(0, %d).map(e => e.href)`,
			TweetLink, limit), &links),
	)
	if err != nil {
		return nil, err
	}

	tweets := make([]Tweet, 0, len(texts))
	for i, text := range texts {
		id := ""
		if i < len(links) {
			id = tweetIDFromLink(links[i])
		}
		tweets = append(tweets, Tweet{ID: id, Author: handle, Text: text})
	}
	return tweets, nil
}

func listFollowers(ctx context.Context, args Args) (any, error) {
	handle, _ := args["handle"].(string)
	if handle == "" {
		return nil, types.NewFault(types.FaultValidation, "scraper.list-followers", "missing required arg \"handle\"", nil)
	}

	var followers []string
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/"+handle+"/followers"),
		chromedp.WaitVisible(ProfileUserCell, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(
			`Array.from(document.querySelectorAll(%q)).map(e => e.querySelector("a")?.href).filter(Boolean)`,
			ProfileUserCell), &followers),
	)
	if err != nil {
		return nil, err
	}

	handles := make([]string, 0, len(followers))
	for _, href := range followers {
		handles = append(handles, handleFromLink(href))
	}
	return handles, nil
}

func searchMentions(ctx context.Context, args Args) (any, error) {
	handle, _ := args["handle"].(string)
	if handle == "" {
		return nil, types.NewFault(types.FaultValidation, "scraper.search-mentions", "missing required arg \"handle\"", nil)
	}

	var texts []string
	var links []string
	query := "%40" + handle
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/search?q="+query+"&f=live"),
		chromedp.WaitVisible(WaitForTweets, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(e => e.textContent)`, TweetText), &texts),
		chromedp.Evaluate(fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(e => e.href)`, TweetLink), &links),
	)
	if err != nil {
		return nil, err
	}

	mentions := make([]Tweet, 0, len(texts))
	for i, text := range texts {
		id := ""
		if i < len(links) {
			id = tweetIDFromLink(links[i])
		}
		mentions = append(mentions, Tweet{ID: id, Text: text})
	}
	return mentions, nil
}

func clickLike(ctx context.Context, args Args) (any, error) {
	tweetID, _ := args["tweet_id"].(string)
	if tweetID == "" {
		return nil, types.NewFault(types.FaultValidation, "scraper.click-like", "missing required arg \"tweet_id\"", nil)
	}
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/i/status/"+tweetID),
		chromedp.WaitVisible(LikeButton, chromedp.ByQuery),
		chromedp.Click(LikeButton, chromedp.ByQuery),
	)
	return nil, err
}

func clickFollow(ctx context.Context, args Args) (any, error) {
	handle, _ := args["handle"].(string)
	if handle == "" {
		return nil, types.NewFault(types.FaultValidation, "scraper.click-follow", "missing required arg \"handle\"", nil)
	}
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/"+handle),
		chromedp.WaitVisible(FollowButton, chromedp.ByQuery),
		chromedp.Click(FollowButton, chromedp.ByQuery),
	)
	return nil, err
}

func postTweet(ctx context.Context, args Args) (any, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return nil, types.NewFault(types.FaultValidation, "scraper.post-tweet", "missing required arg \"text\"", nil)
	}
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/compose/tweet"),
		chromedp.WaitVisible(TweetCompose, chromedp.ByQuery),
		chromedp.SendKeys(TweetCompose, text, chromedp.ByQuery),
		chromedp.Click(TweetSubmit, chromedp.ByQuery),
	)
	return nil, err
}

func checkLoggedIn(ctx context.Context, args Args) (any, error) {
	var loggedIn bool
	err := chromedp.Run(ctx,
		chromedp.Navigate("https://x.com/home"),
		chromedp.Evaluate(fmt.Sprintf(
			`!!document.querySelector(%q)`, HomeIndicator), &loggedIn),
	)
	return loggedIn, err
}

// tweetIDFromLink extracts the numeric status ID from a tweet permalink.
func tweetIDFromLink(href string) string {
	parts := strings.Split(href, "/status/")
	if len(parts) < 2 {
		return ""
	}
	id := parts[1]
	if i := strings.IndexAny(id, "?#"); i >= 0 {
		id = id[:i]
	}
	return id
}

// handleFromLink extracts the @handle from a profile link.
func handleFromLink(href string) string {
	href = strings.TrimSuffix(href, "/")
	i := strings.LastIndex(href, "/")
	if i < 0 {
		return href
	}
	return href[i+1:]
}

// parseCompactCount parses X's compact follower-count notation (e.g.
// "12.3K", "1.2M") into an integer.
func parseCompactCount(raw string) int {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return 0
	}

	multiplier := 1.0
	suffix := raw[len(raw)-1]
	switch suffix {
	case 'K', 'k':
		multiplier = 1_000
		raw = raw[:len(raw)-1]
	case 'M', 'm':
		multiplier = 1_000_000
		raw = raw[:len(raw)-1]
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int(v * multiplier)
}
