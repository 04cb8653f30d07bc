package release

import (
	"fmt"
	"strings"
)

// Channel is the named track a built artifact is published under.
type Channel int

const (
	// ChannelDev receives builds from working branches.
	ChannelDev Channel = iota
	// ChannelMaster receives builds from the master branch.
	ChannelMaster
	// ChannelLTS receives builds from the release branch designated as the
	// current long-term-support series.
	ChannelLTS
	// ChannelLatest receives builds from release branches newer than the
	// LTS series.
	ChannelLatest
)

const releaseBranchPrefix = "engine-"

func (c Channel) String() string {
	switch c {
	case ChannelMaster:
		return "master"
	case ChannelLTS:
		return "lts"
	case ChannelLatest:
		return "latest"
	default:
		return "dev"
	}
}

// ParseChannel maps a channel name back to its Channel value.
func ParseChannel(name string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "dev":
		return ChannelDev, nil
	case "master":
		return ChannelMaster, nil
	case "lts":
		return ChannelLTS, nil
	case "latest":
		return ChannelLatest, nil
	default:
		return ChannelDev, fmt.Errorf("unknown channel %q", name)
	}
}

// InferChannel derives the publish channel from the branch being released
// and the current LTS series. It is total: every branch name maps to a
// channel.
//
//	master      -> master
//	engine-X    -> lts when X equals the LTS series, latest otherwise
//	anything    -> dev
func InferChannel(branch, lts string) Channel {
	branch = strings.TrimSpace(branch)
	if branch == "master" {
		return ChannelMaster
	}
	series, ok := strings.CutPrefix(branch, releaseBranchPrefix)
	if !ok || series == "" {
		return ChannelDev
	}
	if series == strings.TrimSpace(lts) {
		return ChannelLTS
	}
	return ChannelLatest
}

// IsReleaseBranch reports whether branch follows the numbered release-branch
// naming convention.
func IsReleaseBranch(branch string) bool {
	series, ok := strings.CutPrefix(strings.TrimSpace(branch), releaseBranchPrefix)
	return ok && series != ""
}
