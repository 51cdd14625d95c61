package models

// Platform identifies a supported job board
type Platform string

const (
	PlatformLever        Platform = "lever"
	PlatformRecruitee    Platform = "recruitee"
	PlatformLinkedIn     Platform = "linkedin"
	PlatformBreezy       Platform = "breezy"
	PlatformZipRecruiter Platform = "ziprecruiter"
	PlatformAshby        Platform = "ashby"
	PlatformIndeed       Platform = "indeed"
	PlatformGlassdoor    Platform = "glassdoor"
	PlatformWellfound    Platform = "wellfound"
)

// Platforms lists every supported board
var Platforms = []Platform{
	PlatformLever,
	PlatformRecruitee,
	PlatformLinkedIn,
	PlatformBreezy,
	PlatformZipRecruiter,
	PlatformAshby,
	PlatformIndeed,
	PlatformGlassdoor,
	PlatformWellfound,
}

// Valid reports whether p is a supported board
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}
