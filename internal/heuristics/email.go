// Package heuristics classifies email addresses for the check pipeline:
// disposable-domain membership and "strange" address shapes that correlate
// with bulk account probing.
package heuristics

import "strings"

// defaultDisposableDomains is the built-in blocklist. Deployments extend it
// through [Config.ExtraDisposableDomains]; the list here only carries the
// providers seen abusing the check endpoint in practice.
var defaultDisposableDomains = []string{
	"0-mail.com",
	"10minutemail.com",
	"20minutemail.com",
	"33mail.com",
	"dispostable.com",
	"fakeinbox.com",
	"getairmail.com",
	"getnada.com",
	"guerrillamail.com",
	"guerrillamail.net",
	"inboxbear.com",
	"mail-temp.com",
	"mailcatch.com",
	"maildrop.cc",
	"mailinator.com",
	"mailnesia.com",
	"mintemail.com",
	"mytemp.email",
	"sharklasers.com",
	"spamgourmet.com",
	"tempail.com",
	"tempmail.dev",
	"tempmailo.com",
	"temp-mail.org",
	"throwawaymail.com",
	"trashmail.com",
	"yopmail.com",
}

// majorDomains are providers whose local-part conventions are too varied to
// call strange.
var majorDomains = []string{
	"gmail.com",
	"googlemail.com",
	"yahoo.com",
	"ymail.com",
	"outlook.com",
	"hotmail.com",
	"live.com",
	"msn.com",
	"icloud.com",
	"me.com",
	"aol.com",
	"proton.me",
	"protonmail.com",
	"zoho.com",
	"gmx.com",
	"mail.com",
}

// Config extends the built-in lists per deployment.
type Config struct {
	ExtraDisposableDomains []string
	ExtraMajorDomains      []string
}

// Detector answers the two content heuristics of the check pipeline.
type Detector struct {
	disposable map[string]struct{}
	major      map[string]struct{}
}

// NewDetector builds a detector from the built-in lists plus cfg's extras.
func NewDetector(cfg Config) *Detector {
	d := &Detector{
		disposable: make(map[string]struct{}, len(defaultDisposableDomains)+len(cfg.ExtraDisposableDomains)),
		major:      make(map[string]struct{}, len(majorDomains)+len(cfg.ExtraMajorDomains)),
	}
	for _, domain := range defaultDisposableDomains {
		d.disposable[strings.ToLower(domain)] = struct{}{}
	}
	for _, domain := range cfg.ExtraDisposableDomains {
		d.disposable[strings.ToLower(domain)] = struct{}{}
	}
	for _, domain := range majorDomains {
		d.major[strings.ToLower(domain)] = struct{}{}
	}
	for _, domain := range cfg.ExtraMajorDomains {
		d.major[strings.ToLower(domain)] = struct{}{}
	}
	return d
}

// Disposable reports whether the email's domain is a known disposable
// provider.
func (d *Detector) Disposable(email string) bool {
	_, domain, ok := split(email)
	if !ok {
		return false
	}
	_, found := d.disposable[domain]
	return found
}

// Strange reports whether the address shape looks machine-generated. Major
// providers are exempt from the local-part rules; pathological lengths are
// strange everywhere. Short local parts alone are not strange: terse personal
// addresses on small domains are legitimate.
func (d *Detector) Strange(email string) bool {
	local, domain, ok := split(email)
	if !ok {
		return true
	}
	if len(email) > 100 || len(local) > 64 {
		return true
	}

	if _, found := d.major[domain]; found {
		return false
	}

	letters, digits := 0, 0
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			letters++
		case r >= '0' && r <= '9':
			digits++
		}
	}
	if letters == 0 {
		return true
	}
	// Long, digit-heavy local parts on minor domains are the classic shape of
	// scripted enumeration.
	if len(local) >= 10 && digits*2 > letters+digits {
		return true
	}

	return false
}

func split(email string) (local, domain string, ok bool) {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	return email[:at], strings.ToLower(email[at+1:]), true
}
