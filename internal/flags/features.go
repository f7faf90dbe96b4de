package flags

// Tier classifies a feature by how much it depends on fragile page markup.
type Tier string

const (
	// TierRobust features rely on stable data and start enabled.
	TierRobust Tier = "robust"
	// TierSimplified features start disabled until validated.
	TierSimplified Tier = "simplified"
	// TierExperimental features are manual-only and never auto-disabled.
	TierExperimental Tier = "experimental"
)

// Feature names
const (
	JobAgeBadges            = "enableJobAgeBadges"
	APIInterceptor          = "apiInterceptorEnabled"
	BadgePersistence        = "badgePersistenceEnabled"
	BenefitsBadges          = "enableBenefitsBadges"
	DetailedApplicantCount  = "enableDetailedApplicantCount"
	ComplexBadgePositioning = "enableComplexBadgePositioning"
	SalaryParsing           = "enableSalaryParsing"
)

// Feature describes one toggle
type Feature struct {
	Name  string `json:"name" yaml:"name"`
	Label string `json:"label" yaml:"label"`
	Tier  Tier   `json:"tier" yaml:"tier"`
}

// Default reports the tier's starting state
func (f Feature) Default() bool {
	return f.Tier == TierRobust
}

var catalog = []Feature{
	{Name: JobAgeBadges, Label: "Job Age Badges", Tier: TierRobust},
	{Name: APIInterceptor, Label: "API Interceptor", Tier: TierRobust},
	{Name: BadgePersistence, Label: "Badge Persistence", Tier: TierRobust},
	{Name: BenefitsBadges, Label: "Benefits Badges", Tier: TierSimplified},
	{Name: DetailedApplicantCount, Label: "Detailed Applicant Count", Tier: TierExperimental},
	{Name: ComplexBadgePositioning, Label: "Complex Badge Positioning", Tier: TierExperimental},
	{Name: SalaryParsing, Label: "Salary Parsing", Tier: TierExperimental},
}

var byName = func() map[string]Feature {
	m := make(map[string]Feature, len(catalog))
	for _, f := range catalog {
		m[f.Name] = f
	}
	return m
}()

// Features returns the fixed feature catalog in display order
func Features() []Feature {
	return append([]Feature(nil), catalog...)
}

// Lookup finds a feature by name
func Lookup(name string) (Feature, bool) {
	f, ok := byName[name]
	return f, ok
}

// Defaults returns the per-tier starting state of every feature
func Defaults() map[string]bool {
	m := make(map[string]bool, len(catalog))
	for _, f := range catalog {
		m[f.Name] = f.Default()
	}
	return m
}

// AutoDisableAllowed reports whether failures may switch the feature off.
// Unknown names are not eligible.
func AutoDisableAllowed(name string) bool {
	f, ok := byName[name]
	return ok && f.Tier != TierExperimental
}

// TierOf returns the tier of the named feature, or "" if it is unknown
func TierOf(name string) Tier {
	return byName[name].Tier
}
