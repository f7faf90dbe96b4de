package cache

// Projections over Get. Each returns false when the entry is missing or
// expired, or when the field itself is absent.

// AgeInDays returns the fractional days since the job was listed
func (c *Cache) AgeInDays(id string) (float64, bool) {
	job, ok := c.Get(id)
	if !ok {
		return 0, false
	}
	listed, ok := job.ListedTime()
	if !ok {
		return 0, false
	}
	return c.opts.Clock.Now().Sub(listed).Hours() / 24, true
}

// CompanyName returns the cached company name
func (c *Cache) CompanyName(id string) (string, bool) {
	job, ok := c.Get(id)
	if !ok || job.CompanyName == "" {
		return "", false
	}
	return job.CompanyName, true
}

// Title returns the cached job title
func (c *Cache) Title(id string) (string, bool) {
	job, ok := c.Get(id)
	if !ok || job.Title == "" {
		return "", false
	}
	return job.Title, true
}

// Description returns the cached job description
func (c *Cache) Description(id string) (string, bool) {
	job, ok := c.Get(id)
	if !ok || job.Description == "" {
		return "", false
	}
	return job.Description, true
}

// IsRemote returns the cached remote flag
func (c *Cache) IsRemote(id string) (remote bool, ok bool) {
	job, found := c.Get(id)
	if !found || job.IsRemote == nil {
		return false, false
	}
	return *job.IsRemote, true
}
