package dataset

import "sort"

func country(name, codePath, namePath string) Field {
	return Field{
		Name:       name,
		Path:       codePath,
		Type:       TypeCountry,
		NamePath:   namePath,
		ISO3Column: "country_code_iso3",
	}
}

func topLocations(name, description, endpoint, metric, valueColumn string) Descriptor {
	d := Descriptor{
		Name:        name,
		Description: description,
		Endpoint:    endpoint,
		ResultKey:   "top_0",
		Fields: []Field{
			country("country_code_iso2", "clientCountryAlpha2", "clientCountryName"),
			{Name: "country_name", Path: "clientCountryName", Type: TypeString, Default: "Unknown"},
			{Name: valueColumn, Path: "value", Type: TypeNumber, Required: true},
		},
	}
	if metric != "" {
		d.Params = map[string]string{"metric": metric}
	}
	return d
}

func attackLocations(name, description, endpoint, side, valueColumn string) Descriptor {
	return Descriptor{
		Name:        name,
		Description: description,
		Endpoint:    endpoint,
		ResultKey:   "top_0",
		Fields: []Field{
			country("country_code_iso2", side+"CountryAlpha2", side+"CountryName"),
			{Name: "country_name", Path: side + "CountryName", Type: TypeString, Default: "Unknown"},
			{Name: valueColumn, Path: "value", Type: TypeNumber, Required: true},
		},
	}
}

var builtins = []Descriptor{
	topLocations("http_requests", "HTTP requests by client country", "http/top/locations", "", "http_requests"),
	topLocations("http_requests_ipv4", "IPv4 HTTP requests by client country", "http/top/locations/ip_version/IPv4", "", "ipv4_http_requests"),
	topLocations("http_requests_ipv6", "IPv6 HTTP requests by client country", "http/top/locations/ip_version/IPv6", "", "ipv6_http_requests"),
	topLocations("http_bot_requests", "HTTP requests classified as bots", "http/top/locations/bot_class/LIKELY_AUTOMATED", "", "bot_requests"),
	topLocations("http_human_requests", "HTTP requests classified as human", "http/top/locations/bot_class/LIKELY_HUMAN", "", "human_requests"),
	topLocations("http_by_tls_1_3", "TLS 1.3 HTTP requests by client country", "http/top/locations/tls_version/tlsv1_3", "tls_version/TLSv1_3", "tls_1_3_requests"),
	topLocations("http_by_tls_1_2", "TLS 1.2 HTTP requests by client country", "http/top/locations/tls_version/tlsv1_2", "tls_version/TLSv1_2", "tls_1_2_requests"),
	topLocations("http_by_http_1_0", "HTTP/1.0 requests by client country", "http/top/locations/http_version/HTTP/1.0", "http_version/HTTP/1.0", "http_1_0_requests"),
	topLocations("http_by_http_1_1", "HTTP/1.1 requests by client country", "http/top/locations/http_version/HTTP/1.1", "http_version/HTTP/1.1", "http_1_1_requests"),
	topLocations("http_by_http_2", "HTTP/2 requests by client country", "http/top/locations/http_version/HTTP/2", "http_version/HTTP/2", "http_2_requests"),
	topLocations("http_by_http_3", "HTTP/3 requests by client country", "http/top/locations/http_version/HTTP/3", "http_version/HTTP/3", "http_3_requests"),
	topLocations("http_by_device_desktop", "Desktop HTTP requests by client country", "http/top/locations/device_type/desktop", "device_type/desktop", "desktop_requests"),
	topLocations("http_by_device_mobile", "Mobile HTTP requests by client country", "http/top/locations/device_type/mobile", "device_type/mobile", "mobile_requests"),
	topLocations("http_by_device_tablet", "Tablet HTTP requests by client country", "http/top/locations/device_type/tablet", "device_type/tablet", "tablet_requests"),
	topLocations("http_by_device_other", "Other device HTTP requests by client country", "http/top/locations/device_type/other", "device_type/other", "other_requests"),
	topLocations("browser_chrome", "Chrome HTTP requests by client country", "http/top/locations/browser_family/chrome", "browser/chrome", "chrome_requests"),
	topLocations("browser_firefox", "Firefox HTTP requests by client country", "http/top/locations/browser_family/firefox", "browser/firefox", "firefox_requests"),
	topLocations("browser_safari", "Safari HTTP requests by client country", "http/top/locations/browser_family/safari", "browser/safari", "safari_requests"),
	topLocations("browser_edge", "Edge HTTP requests by client country", "http/top/locations/browser_family/edge", "browser/edge", "edge_requests"),
	topLocations("os_windows", "Windows HTTP requests by client country", "http/top/locations/os/windows", "os/windows", "windows_requests"),
	topLocations("os_macos", "macOS HTTP requests by client country", "http/top/locations/os/macos", "os/macos", "macos_requests"),
	topLocations("os_linux", "Linux HTTP requests by client country", "http/top/locations/os/linux", "os/linux", "linux_requests"),
	topLocations("os_android", "Android HTTP requests by client country", "http/top/locations/os/android", "os/android", "android_requests"),
	topLocations("os_ios", "iOS HTTP requests by client country", "http/top/locations/os/ios", "os/ios", "ios_requests"),
	topLocations("top_domains_traffic", "Top domains traffic by client country", "datasets/top/domains/locations", "", "top_domains_traffic"),
	topLocations("dns_queries", "DNS queries by client country", "dns/top/locations", "", "dns_queries"),
	topLocations("netflows", "Network traffic by client country", "netflows/top/locations", "", "network_traffic"),
	topLocations("email_threats", "Email security threats by country", "email/security/top/locations/threats", "", "email_threats"),
	topLocations("tcp_resets_timeouts", "TCP resets and timeouts by country", "tcp_resets_timeouts/top/locations", "", "tcp_resets_timeouts"),
	{
		Name:        "internet_quality",
		Description: "Speed test quality metrics by client country",
		Endpoint:    "quality/speed/top/locations",
		ResultKey:   "top_0",
		Params:      map[string]string{"orderBy": "BANDWIDTH_DOWNLOAD"},
		Fields: []Field{
			country("country_code_iso2", "clientCountryAlpha2", "clientCountryName"),
			{Name: "country_name", Path: "clientCountryName", Type: TypeString, Default: "Unknown"},
			{Name: "bandwidth_download", Path: "bandwidthDownload", Type: TypeNumber},
			{Name: "bandwidth_upload", Path: "bandwidthUpload", Type: TypeNumber},
			{Name: "latency_idle", Path: "latencyIdle", Type: TypeNumber},
			{Name: "latency_loaded", Path: "latencyLoaded", Type: TypeNumber},
			{Name: "jitter_idle", Path: "jitterIdle", Type: TypeNumber},
			{Name: "jitter_loaded", Path: "jitterLoaded", Type: TypeNumber},
		},
	},
	attackLocations("layer3_origin_attacks", "Layer 3 attacks by origin country", "attacks/layer3/top/locations/origin", "origin", "layer3_origin_attacks"),
	attackLocations("layer3_target_attacks", "Layer 3 attacks by target country", "attacks/layer3/top/locations/target", "target", "layer3_target_attacks"),
	attackLocations("layer7_origin_attacks", "Layer 7 attacks by origin country", "attacks/layer7/top/locations/origin", "origin", "layer7_origin_attacks"),
	attackLocations("layer7_target_attacks", "Layer 7 attacks by target country", "attacks/layer7/top/locations/target", "target", "layer7_target_attacks"),
	attackLocations("layer3_top_origin_attacks", "Top layer 3 attacks by origin country", "attacks/layer3/top/attacks", "origin", "layer3_attacks"),
	// the top layer 7 attacks carry both sides and load into two datasets
	attackLocations("layer7_origin_attacks_from_top", "Top layer 7 attacks by origin country", "attacks/layer7/top/attacks", "origin", "layer7_top_origin_attacks"),
	attackLocations("layer7_target_attacks_from_top", "Top layer 7 attacks by target country", "attacks/layer7/top/attacks", "target", "layer7_top_target_attacks"),
	{
		Name:        "outages",
		Description: "Internet outage annotations",
		Endpoint:    "annotations/outages",
		ResultKey:   "annotations",
		Fields: []Field{
			{Name: "id", Path: "id", Type: TypeString, Required: true},
			{Name: "start_date", Path: "startDate", Type: TypeTime, Required: true},
			{Name: "end_date", Path: "endDate", Type: TypeTime},
			{Name: "locations", Path: "locations", Type: TypeStrings, SkipIfMissing: true},
			{Name: "asns", Path: "asns", Type: TypeStrings},
			{Name: "event_type", Path: "eventType", Type: TypeString},
			{Name: "outage_cause", Path: "outage.outageCause", Type: TypeString},
			{Name: "outage_type", Path: "outage.outageType", Type: TypeString},
			{Name: "description", Path: "description", Type: TypeString},
		},
	},
}

// Builtin returns the built-in descriptor with the given name.
func Builtin(name string) (Descriptor, bool) {
	for _, d := range builtins {
		if d.Name == name {
			return clone(d), true
		}
	}
	return Descriptor{}, false
}

// Builtins returns every built-in descriptor ordered by name.
func Builtins() []Descriptor {
	out := make([]Descriptor, 0, len(builtins))
	for _, d := range builtins {
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func clone(d Descriptor) Descriptor {
	c := d
	c.Fields = append([]Field(nil), d.Fields...)
	if d.Params != nil {
		c.Params = make(map[string]string, len(d.Params))
		for k, v := range d.Params {
			c.Params[k] = v
		}
	}
	return c
}
