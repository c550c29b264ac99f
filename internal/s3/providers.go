package s3

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/kenneth/media-relay/internal/config"
)

const defaultRegion = "us-east-1"

// Provider describes the addressing conventions of an S3 compatible store.
type Provider struct {
	Name             string
	DefaultEndpoint  string // empty means the SDK resolves the endpoint
	EndpointTemplate string // %s is replaced with the region
	DefaultRegion    string
	PathStyle        bool
	RequiresEndpoint bool // endpoint embeds an account id and cannot be derived
}

// KnownProviders lists the presets selectable with storage.provider.
var KnownProviders = map[string]Provider{
	"aws": {
		Name:          "AWS S3",
		DefaultRegion: "us-east-1",
	},
	"minio": {
		Name:            "MinIO",
		DefaultEndpoint: "http://localhost:9000",
		DefaultRegion:   "us-east-1",
		PathStyle:       true,
	},
	"garage": {
		Name:            "Garage",
		DefaultEndpoint: "http://localhost:3900",
		DefaultRegion:   "garage",
		PathStyle:       true,
	},
	"wasabi": {
		Name:             "Wasabi",
		DefaultEndpoint:  "https://s3.wasabisys.com",
		EndpointTemplate: "https://s3.%s.wasabisys.com",
		DefaultRegion:    "us-east-1",
	},
	"digitalocean": {
		Name:             "DigitalOcean Spaces",
		DefaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		EndpointTemplate: "https://%s.digitaloceanspaces.com",
		DefaultRegion:    "nyc3",
	},
	"backblaze": {
		Name:             "Backblaze B2",
		DefaultEndpoint:  "https://s3.us-west-000.backblazeb2.com",
		EndpointTemplate: "https://s3.%s.backblazeb2.com",
		DefaultRegion:    "us-west-000",
		PathStyle:        true,
	},
	"cloudflare": {
		Name:             "Cloudflare R2",
		DefaultRegion:    "auto",
		RequiresEndpoint: true,
	},
	"linode": {
		Name:             "Linode Object Storage",
		DefaultEndpoint:  "https://us-east-1.linodeobjects.com",
		EndpointTemplate: "https://%s.linodeobjects.com",
		DefaultRegion:    "us-east-1",
	},
	"scaleway": {
		Name:             "Scaleway Object Storage",
		DefaultEndpoint:  "https://s3.fr-par.scw.cloud",
		EndpointTemplate: "https://s3.%s.scw.cloud",
		DefaultRegion:    "fr-par",
	},
}

// GetProvider returns the preset for name.
func GetProvider(name string) (Provider, error) {
	if name == "" {
		return Provider{}, fmt.Errorf("provider name is required")
	}
	p, ok := KnownProviders[strings.ToLower(name)]
	if !ok {
		return Provider{}, fmt.Errorf("unknown provider: %s (supported: %s)",
			name, strings.Join(providerNames(), ", "))
	}
	return p, nil
}

// ApplyProvider fills endpoint, region and path style defaults from the
// configured provider preset. Explicit settings always win. A blank provider
// leaves cfg untouched apart from endpoint normalization.
func ApplyProvider(cfg *config.StorageConfig) error {
	if cfg.Provider != "" {
		p, err := GetProvider(cfg.Provider)
		if err != nil {
			return err
		}
		if cfg.Region == "" {
			cfg.Region = p.DefaultRegion
		}
		if cfg.Endpoint == "" {
			switch {
			case p.RequiresEndpoint:
				return fmt.Errorf("provider %s requires an explicit endpoint", p.Name)
			case p.EndpointTemplate != "" && cfg.Region != "":
				cfg.Endpoint = fmt.Sprintf(p.EndpointTemplate, cfg.Region)
			default:
				cfg.Endpoint = p.DefaultEndpoint
			}
		}
		if p.PathStyle && cfg.UsePathStyle == nil {
			cfg.UsePathStyle = boolPtr(true)
		}
	}

	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	// A custom endpoint without a preset is addressed path-style unless configured otherwise.
	if cfg.Provider == "" && cfg.Endpoint != "" && cfg.UsePathStyle == nil {
		cfg.UsePathStyle = boolPtr(true)
	}
	if cfg.Endpoint != "" {
		cfg.Endpoint = normalizeEndpoint(cfg.Endpoint)
		if err := ValidateEndpoint(cfg.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

func boolPtr(v bool) *bool {
	return &v
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint validates that an endpoint URL is well-formed.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http:// or https:// scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a hostname")
	}
	return nil
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
