package service

import "strings"

// FormatPhoneNumber converts local and "+"-prefixed numbers to the 2547XXXXXXXX
// form Daraja expects. Length and digits are left for the provider to check.
func FormatPhoneNumber(phone string) string {
	switch {
	case strings.HasPrefix(phone, "0"):
		return "254" + phone[1:]
	case strings.HasPrefix(phone, "+"):
		return phone[1:]
	}
	return phone
}
