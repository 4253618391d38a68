package ostrom

import "time"

// Resolution selects the aggregation granularity of consumption queries.
type Resolution string

const (
	ResolutionHour  Resolution = "HOUR"
	ResolutionDay   Resolution = "DAY"
	ResolutionMonth Resolution = "MONTH"
)

// Environment selects the upstream deployment.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvSandbox    Environment = "sandbox"
)

// Endpoints returns the API base URL and the token URL for env.
func Endpoints(env Environment) (apiURL, tokenURL string) {
	if env == EnvSandbox {
		return "https://sandbox.ostrom-api.io", "https://auth.sandbox.ostrom-api.io/oauth2/token"
	}
	return "https://production.ostrom-api.io", "https://auth.production.ostrom-api.io/oauth2/token"
}

// Contract is one energy contract of the linked account.
type Contract struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	StartDate time.Time `json:"startDate"`
	Address   Address   `json:"address"`
}

type Address struct {
	Street  string `json:"street"`
	HouseNo string `json:"houseNumber"`
	Zip     string `json:"zip"`
	City    string `json:"city"`
}

// ConsumptionPoint is the kWh delta metered during one interval; it is
// not a cumulative reading.
type ConsumptionPoint struct {
	Date time.Time `json:"date"`
	Kwh  float64   `json:"kwh"`
}

// AccountLink is the hosted login URL the onboarding flow redirects to.
type AccountLink struct {
	URL string `json:"url"`
}

type contractsResponse struct {
	Data []Contract `json:"data"`
}

type consumptionResponse struct {
	Data []ConsumptionPoint `json:"data"`
}
