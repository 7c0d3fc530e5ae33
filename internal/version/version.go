package version

// Values are set at build time using -ldflags.
var Version = "dev"
var Built = ""
var GitCommit = ""

type Info struct {
	Version   string `json:"version"`
	Built     string `json:"built"`
	GitCommit string `json:"git_commit,omitempty"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// Display returns the version string shown by --version.
func Display(binary string) string {
	if Version == "" || Version == "dev" {
		return binary + " dev"
	}
	return binary + " version " + Version
}
