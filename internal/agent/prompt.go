package agent

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools"
)

const finalAction = "Final Answer"

const systemPrompt = `Assistant is a large language model trained to help with a wide range of tasks, from answering simple questions to providing in-depth explanations and discussions on many topics.

Assistant generates human-like text based on the input it receives, so it can hold natural conversations and give coherent answers that are relevant to the topic at hand. It is constantly learning and can use the tools listed below to look up information it does not already know.`

const formatInstructions = `RESPONSE FORMAT INSTRUCTIONS
----------------------------

When responding to me, please output a response in one of two formats:

**Option 1:**
Use this if you want the human to use a tool.
Markdown code snippet formatted in the following schema:

` + "```json" + `
{
    "action": string, // The action to take. Must be one of %s
    "action_input": string // The input to the action
}
` + "```" + `

**Option #2:**
Use this if you want to respond directly to the human. Markdown code snippet formatted in the following schema:

` + "```json" + `
{
    "action": "Final Answer",
    "action_input": string // You should put what you want to return to use here
}
` + "```"

const userTemplate = `TOOLS
------
Assistant can ask the user to use tools to look up information that may be helpful in answering the user's original question. The tools the human can use are:

%s

%s

USER'S INPUT
--------------------
Here is the user's input (remember to respond with a markdown code snippet of a json blob with a single action, and NOTHING else):

%s`

const toolResponseTemplate = `TOOL RESPONSE:
---------------------
%s

USER'S INPUT
--------------------

Okay, so what is the response to my last comment? If using information obtained from the tools you must mention it explicitly without mentioning the tool names - I have forgotten all TOOL RESPONSES! Remember to respond with a markdown code snippet of a json blob with a single action, and NOTHING else.`

const earlyStopPrompt = `I now need to return a final answer based on the previous steps. Respond with a markdown code snippet of a json blob whose action is "Final Answer".`

const invalidResponse = "Invalid or incomplete response"

func userPrompt(toolset []tools.Tool, question string) string {
	descriptions := make([]string, len(toolset))
	names := make([]string, len(toolset))
	for i, t := range toolset {
		descriptions[i] = fmt.Sprintf("> %s: %s", t.Name(), t.Description())
		names[i] = t.Name()
	}
	format := fmt.Sprintf(formatInstructions, strings.Join(names, ", "))
	return fmt.Sprintf(userTemplate, strings.Join(descriptions, "\n"), format, question)
}

func toolResponse(observation string) string {
	return fmt.Sprintf(toolResponseTemplate, observation)
}
