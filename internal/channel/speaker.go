package channel

// SpeakerText labels a group message with its sender so the model can
// tell the participants of one conversation apart.
func SpeakerText(name, text string) string {
	return "发言人：" + name + "。\n发言内容：" + text
}

// CommandMatcher reports whether text is a chat command. Commands are
// passed through unlabelled and always get a reply.
type CommandMatcher func(text string) bool
