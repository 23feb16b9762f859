package protocol

// Synthetic connection events, produced by the connection manager.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventReconnectFailed = "reconnect_failed"
)

// Client → server.
const (
	EventJoinRoom     = "game:join_room"
	EventSelectScript = "game:select_script"
	EventStart        = "game:start"
	EventTaskSubmit   = "game:task_submit"
)

// Server → client.
const (
	EventConnected         = "game:connected"
	EventRoomJoined        = "game:room_joined"
	EventRoomLeft          = "game:room_left"
	EventMemberJoined      = "team:member_joined"
	EventMemberLeft        = "team:member_left"
	EventGameCreated       = "game:game_created"
	EventGameStarted       = "game_started"
	EventNewTask           = "game:new_task"
	EventMechanismComplete = "game:mechanism_complete"
	EventTaskComplete      = "game:task_complete"
	EventTaskFailed        = "game:task_failed"
	EventImageVerifyStart  = "game:image_verify_start"
	EventImageVerifyResult = "game:image_verify_result"
	EventImageVerifyError  = "game:image_verify_error"
	EventMessage           = "game:message"
	EventGame              = "game:event"
	EventError             = "game:error"

	EventAIStreamStart  = "ai:stream_start"
	EventAIStreamChunk  = "ai:stream_chunk"
	EventAIStreamEnd    = "ai:stream_end"
	EventNPCStreamStart = "npc:stream_start"
	EventNPCStreamChunk = "npc:stream_chunk"
	EventNPCStreamEnd   = "npc:stream_end"
)

// Mechanism types accepted in task submissions.
const (
	MechanismStaffConfirm          = "STAFF_CONFIRM"
	MechanismGPSCheck              = "GPS_CHECK"
	MechanismAIAnswerCorrect       = "AI_ANSWER_CORRECT"
	MechanismAIImageJudge          = "AI_IMAGE_JUDGE"
	MechanismAINPCDialogueComplete = "AI_NPC_DIALOGUE_COMPLETE"
	MechanismPaymentCallback       = "PAYMENT_CALLBACK"
	MechanismCollectionComplete    = "COLLECTION_COMPLETE"
	MechanismSubTaskAllComplete    = "SUB_TASK_ALL_COMPLETE"
)

var mechanisms = map[string]bool{
	MechanismStaffConfirm:          true,
	MechanismGPSCheck:              true,
	MechanismAIAnswerCorrect:       true,
	MechanismAIImageJudge:          true,
	MechanismAINPCDialogueComplete: true,
	MechanismPaymentCallback:       true,
	MechanismCollectionComplete:    true,
	MechanismSubTaskAllComplete:    true,
}

// KnownMechanism reports whether m is one of the catalogued mechanism types.
func KnownMechanism(m string) bool {
	return mechanisms[m]
}
