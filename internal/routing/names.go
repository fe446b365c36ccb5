package routing

var countryFlags = map[string]string{
	"US": "🇺🇸", "DE": "🇩🇪", "GB": "🇬🇧", "NL": "🇳🇱", "FR": "🇫🇷",
	"SG": "🇸🇬", "JP": "🇯🇵", "CA": "🇨🇦", "AU": "🇦🇺", "CH": "🇨🇭",
	"SE": "🇸🇪", "NO": "🇳🇴", "AT": "🇦🇹", "BE": "🇧🇪", "CZ": "🇨🇿",
	"DK": "🇩🇰", "ES": "🇪🇸", "FI": "🇫🇮", "HU": "🇭🇺", "IE": "🇮🇪",
	"IT": "🇮🇹", "PL": "🇵🇱", "PT": "🇵🇹", "RO": "🇷🇴", "SK": "🇸🇰",
	"IN": "🇮🇳", "BR": "🇧🇷",
}

var countryNames = map[string]string{
	"US": "United States", "DE": "Germany", "GB": "United Kingdom",
	"NL": "Netherlands", "FR": "France", "SG": "Singapore",
	"JP": "Japan", "CA": "Canada", "AU": "Australia",
	"CH": "Switzerland", "SE": "Sweden", "NO": "Norway",
	"AT": "Austria", "BE": "Belgium", "CZ": "Czech Republic",
	"DK": "Denmark", "ES": "Spain", "FI": "Finland",
	"HU": "Hungary", "IE": "Ireland", "IT": "Italy",
	"PL": "Poland", "PT": "Portugal", "RO": "Romania",
	"SK": "Slovakia", "IN": "India", "BR": "Brazil",
}

// DisplayName returns a human-friendly name with flag for a country code
func DisplayName(code string) string {
	flag, ok := countryFlags[code]
	if !ok {
		flag = "🌍"
	}
	name, ok := countryNames[code]
	if !ok {
		name = code
	}
	return flag + " " + name
}
