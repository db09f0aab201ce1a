package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DatabasePath         string `envconfig:"DATABASE_PATH" default:"/app/data/quiz-gateway.db"`
	ListenAddr           string `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminSecret          string `envconfig:"ADMIN_SECRET" default:""`
	OpenAIAPIKey         string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL        string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com"`
	ChatModel            string `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	ImageModel           string `envconfig:"IMAGE_MODEL" default:"dall-e-3"`
	DailyImageLimit      int    `envconfig:"DAILY_IMAGE_LIMIT" default:"3"`
	SessionTokenCeiling  int64  `envconfig:"SESSION_TOKEN_CEILING" default:"100000"`
	CostPer1KTokensMicro int64  `envconfig:"COST_PER_1K_TOKENS_MICRO" default:"600"`
	ImageCostMicro       int64  `envconfig:"IMAGE_COST_MICRO" default:"40000"`
	CacheTTLDays         int    `envconfig:"CACHE_TTL_DAYS" default:"30"`
	CacheMaxEntries      int    `envconfig:"CACHE_MAX_ENTRIES" default:"200"`
	RequestsPerMinute    int    `envconfig:"REQUESTS_PER_MINUTE" default:"30"`
	UpstreamTimeoutSec   int    `envconfig:"UPSTREAM_TIMEOUT_SEC" default:"120"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("QUIZGW", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
