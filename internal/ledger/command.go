package ledger

// CommandKind enumerates the submission commands.
type CommandKind string

const (
	CommandCreate            CommandKind = "create"
	CommandExercise          CommandKind = "exercise"
	CommandExerciseByKey     CommandKind = "exercise_by_key"
	CommandCreateAndExercise CommandKind = "create_and_exercise"
)

// Command is one outbound ledger instruction.
type Command struct {
	Kind           CommandKind    `json:"kind"`
	TemplateID     string         `json:"template_id,omitempty"`
	ContractID     string         `json:"contract_id,omitempty"`
	Key            any            `json:"key,omitempty"`
	Choice         string         `json:"choice,omitempty"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	ChoiceArgument map[string]any `json:"choice_argument,omitempty"`
}

func Create(template string, args map[string]any) Command {
	return Command{Kind: CommandCreate, TemplateID: template, Arguments: args}
}

func Exercise(contractID, choice string, arg map[string]any) Command {
	return Command{Kind: CommandExercise, ContractID: contractID, Choice: choice, ChoiceArgument: arg}
}

func ExerciseByKey(template string, key any, choice string, arg map[string]any) Command {
	return Command{Kind: CommandExerciseByKey, TemplateID: template, Key: key, Choice: choice, ChoiceArgument: arg}
}

func CreateAndExercise(template string, args map[string]any, choice string, arg map[string]any) Command {
	return Command{
		Kind:           CommandCreateAndExercise,
		TemplateID:     template,
		Arguments:      args,
		Choice:         choice,
		ChoiceArgument: arg,
	}
}
