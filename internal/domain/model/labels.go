package model

import "time"

// LabelSet is the structured classification of one issue. Boolean fields
// are topic flags; ModelProvider and Version are empty when the classifier
// found no provider or version reference.
type LabelSet struct {
	ToolCalling     bool   `json:"tool_calling"`
	MCP             bool   `json:"mcp"`
	ModelProvider   string `json:"model_provider,omitempty"`
	Setting         bool   `json:"setting"`
	FileSystem      bool   `json:"file_system"`
	Env             bool   `json:"env"`
	Chat            bool   `json:"chat"`
	Plugin          bool   `json:"plugin"`
	Search          bool   `json:"search"`
	TTS             bool   `json:"tts"`
	DesignStyle     bool   `json:"design_style"`
	Docs            bool   `json:"docs"`
	Mobile          bool   `json:"mobile"`
	Desktop         bool   `json:"desktop"`
	Docker          bool   `json:"docker"`
	Windows         bool   `json:"windows"`
	ReactNative     bool   `json:"react_native"`
	Auth            bool   `json:"auth"`
	MacOS           bool   `json:"macos"`
	Cloud           bool   `json:"cloud"`
	Drawing         bool   `json:"drawing"`
	Linux           bool   `json:"linux"`
	Version         string `json:"version,omitempty"`
	NeedManualCheck bool   `json:"need_manual_check"`
}

// Classification is a persisted classifier result for one issue. There is at
// most one classification per IssueID; saving again replaces it.
type Classification struct {
	IssueID       int64
	RunKey        string
	IsPullRequest bool
	Labels        LabelSet
	ClassifiedAt  time.Time
}
