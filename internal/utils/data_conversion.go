package utils

// StringPtr returns a pointer to a copy of s
func StringPtr(s string) *string {
	return &s
}

// StringPtrValue dereferences s, treating nil as empty
func StringPtrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
