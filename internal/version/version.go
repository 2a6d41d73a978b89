package version

// Version values are set at build time using -ldflags.
var Version = "dev"
var Built = ""
var GitCommit = ""

type Info struct {
	Version   string `json:"version"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// String is the human form used by the -version flag.
func (i Info) String() string {
	value := i.Version
	if value == "" {
		value = "dev"
	}
	if i.GitCommit != "" {
		value += " (" + i.GitCommit + ")"
	}
	return value
}
