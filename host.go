package chatexchange

// Host is one of the three chat servers of the Stack Exchange network.
// A room id is only unique in combination with its host.
type Host string

const (
	StackOverflow     Host = "stackoverflow.com"
	StackExchange     Host = "stackexchange.com"
	MetaStackExchange Host = "meta.stackexchange.com"
)

// BaseURL is the main site the chat server hangs off, used for login.
func (h Host) BaseURL() string {
	return "https://" + string(h)
}

// ChatURL is the chat server's origin.
func (h Host) ChatURL() string {
	return "https://chat." + string(h)
}
