package epochstore

const defaultMemberLimit = 32

type Config struct {
	// Path is the sqlite database location; empty means in-memory
	Path string `yaml:"path"`
	// MemberLimit caps active members per conversation
	MemberLimit int `yaml:"memberLimit"`
}

type configSource interface {
	GetEpochStore() Config
}

func (c Config) path() string {
	if c.Path == "" {
		return ":memory:"
	}
	return c.Path
}

func (c Config) memberLimit() int {
	if c.MemberLimit <= 0 {
		return defaultMemberLimit
	}
	return c.MemberLimit
}
