package scraper

// X.com DOM selectors. Isolated here because the target site changes its
// DOM frequently; update these when an operation starts returning
// ScraperMissing instead of touching the operations themselves.
const (
	// Feed selectors
	FeedContainer = `[data-testid="primaryColumn"]`
	TweetArticle  = `article[data-testid="tweet"]`

	// Tweet content selectors
	TweetText      = `[data-testid="tweetText"]`
	TweetAuthor    = `[data-testid="User-Name"]`
	TweetTimestamp = `time`
	TweetLink      = `a[href*="/status/"]`
	TweetMedia     = `[data-testid="tweetPhoto"], [data-testid="videoPlayer"]`

	// Engagement selectors
	ReplyButton   = `[data-testid="reply"]`
	RetweetButton = `[data-testid="retweet"]`
	LikeButton    = `[data-testid="like"]`
	FollowButton  = `[data-testid$="-follow"]`
	TweetCompose  = `[data-testid="tweetTextarea_0"]`
	TweetSubmit   = `[data-testid="tweetButton"]`

	// Profile selectors
	ProfileFollowersCount = `[href$="/verified_followers"], a[href$="/followers"] span span`
	ProfileUserCell       = `[data-testid="UserCell"]`

	// Login state indicators
	HomeIndicator = `[data-testid="SideNav_NewTweet_Button"]`
	LoginForm     = `[data-testid="loginButton"]`
)

// Common wait conditions, named by the operation that uses them.
const (
	WaitForFeed      = FeedContainer
	WaitForTweets    = TweetArticle
	WaitForProfile   = ProfileFollowersCount
	WaitForLoginGate = LoginForm
)
