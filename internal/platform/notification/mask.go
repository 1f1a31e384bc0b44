package notification

import (
	"strings"
	"unicode"
)

// MaskEmail keeps the first and last character of the local part:
// "jsmith@x.org" becomes "j****h@x.org". Local parts of two characters or
// fewer are left as they are.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return MaskPhone(email)
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		local = local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:]
	}
	return local + "@" + domain
}

// MaskPhone renders "***-***-" followed by the last four digits.
func MaskPhone(phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return "***-***-" + string(digits)
}

// MaskDestination masks to according to the channel it will be sent on.
func MaskDestination(ch Channel, to string) string {
	if ch == ChannelSMS {
		return MaskPhone(to)
	}
	return MaskEmail(to)
}
