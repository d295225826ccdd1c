package server

import (
	"strings"

	ua "github.com/mileusna/useragent"

	"github.com/mozilla-services/merino/internal/suggest"
)

// parseDevice derives the request's device context from the User-Agent
// header. An empty header produces the zero DeviceInfo; an agent the parser
// cannot classify gets form factor "other", and an unrecognised OS gets
// family "other".
func parseDevice(header string) suggest.DeviceInfo {
	if header == "" {
		return suggest.DeviceInfo{}
	}

	parsed := ua.Parse(header)

	info := suggest.DeviceInfo{
		Browser: parsed.Name,
	}

	switch {
	case parsed.Mobile:
		info.FormFactor = "phone"
	case parsed.Tablet:
		info.FormFactor = "tablet"
	case parsed.Desktop:
		info.FormFactor = "desktop"
	default:
		info.FormFactor = "other"
	}

	info.OSFamily = osFamily(parsed.OS)

	return info
}

// osFamily folds the parser's OS strings into the small family vocabulary
// the metrics pipeline expects.
func osFamily(os string) string {
	switch strings.ToLower(os) {
	case "windows":
		return "windows"
	case "macos", "mac os x":
		return "macos"
	case "linux", "ubuntu", "fedora":
		return "linux"
	case "android":
		return "android"
	case "ios":
		return "ios"
	case "chromeos", "chrome os":
		return "chromeos"
	case "":
		return ""
	default:
		return "other"
	}
}
