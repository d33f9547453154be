package dispatcher

// Fixed visitor-facing bot strings. These are the only failure texts a
// visitor ever sees; raw errors stay in the logs.
const (
	// MsgConclusionQuestion is sent after an ending phrase, with the two
	// option chips.
	MsgConclusionQuestion = "Before you go - did I answer all your questions today?"

	// MsgConclusionFinal closes the conversation.
	MsgConclusionFinal = "You're welcome! Feel free to come back any time. Have a great day!"

	// MsgContinueAfterConclusion is sent when the user picks "want to ask
	// more" while the session is still concluded.
	MsgContinueAfterConclusion = "Of course! Go ahead and type your question below."

	// MsgAgentPromptInHours is the in-hours human-intent reply.
	MsgAgentPromptInHours = "Click the button below to talk to an agent."

	// MsgAgentOffHours is the off-hours human-intent reply.
	MsgAgentOffHours = "Our agents are currently offline. We'll contact you during business hours (Mon-Fri, 9am-5pm)."

	// MsgOfflineForm prompts for contact details after the off-hours reply.
	MsgOfflineForm = "Please leave your name, email and message below and an agent will get back to you."

	// MsgContentRejected is the content-filter rejection.
	MsgContentRejected = "I can't help with that. Is there something else I can assist you with?"

	// MsgAIUnavailable is emitted when every model fails.
	MsgAIUnavailable = "I'm having trouble answering right now. Please try again in a moment, or ask to talk to an agent."

	// MsgAgentRequested confirms a request_agent event.
	MsgAgentRequested = "Got it - an agent has been notified and will join this conversation shortly."

	// MsgGenericError is the single generic failure reply for unexpected
	// errors outside the AI path.
	MsgGenericError = "Something went wrong on our side. Please try sending your message again."
)

// Option chip values understood by the widget and fed back into the
// conclusion handling on the next turn.
const (
	OptionThankYou = "thank_you"
	OptionContinue = "continue"
)

// Option chip labels; matching is on the normalized label text.
const (
	LabelThankYou = "Thank you for helping"
	LabelContinue = "Want to ask more"
)

// Bot message type tags carried in the bot_message payload.
const (
	TypeConclusionQuestion = "conclusion_question"
	TypeConclusionFinal    = "conclusion_final"
	TypeAgentPrompt        = "agent_prompt"
	TypeOfflineForm        = "offline_form"
	TypeContentFiltered    = "content_filtered"
	TypeFallback           = "fallback"
	TypeWelcome            = "welcome"
)

// BotOption is one clickable chip attached to a bot message.
type BotOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

func conclusionOptions() []BotOption {
	return []BotOption{
		{Value: OptionThankYou, Label: LabelThankYou},
		{Value: OptionContinue, Label: LabelContinue},
	}
}
