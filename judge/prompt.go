package judge

import (
	"fmt"
)

const systemPrompt = "You are an expert in evaluating AI systems. Please respond in JSON format only."

// rubricPrompt asks for four 1-10 scores with anchors at 1, 5 and 10.
func rubricPrompt(in Input) string {
	return fmt.Sprintf(`You are an expert in evaluating AI systems. Please evaluate the %[1]s answer based on the following criteria:

*Context:*
%[2]s

*Question:*
%[3]s

*Golden Answer (Reference):*
%[4]s

*%[1]s Answer:*
%[5]s

*Question Category:*
%[6]s

Please evaluate the %[1]s answer on the following criteria from 1 to 10:

1. *Faithfulness (vs Context-Free)*: How well the answer adheres to the given context without fabricating information outside of it
- 10: Answer is completely based on the given context
- 5: Answer is partially based on context with some external information
- 1: Answer ignores context or fabricates information

2. *Answer Relevance (vs Incomplete)*: How relevant and complete the answer is to the question
- 10: Answer is completely relevant and complete
- 5: Answer is relevant but incomplete or contains unnecessary information
- 1: Answer is irrelevant or very incomplete

3. *Context Relevance (vs Noisy Context)*: How well the most relevant parts of the context are used
- 10: Used the most relevant parts of the context
- 5: Used some relevant parts while ignoring important sections
- 1: Did not use the relevant parts of the context

4. *correctness (vs Golden Answer)*: How accurate the answer is compared to the golden/reference answer
- 10: Answer is completely correct and aligns perfectly with the golden answer
- 5: Answer is partially correct with some key information matching the golden answer
- 1: Answer is incorrect or contradicts the golden answer

Return the result in JSON format only:
{
    "faithfulness": <score from 1-10>,
    "answer_relevance": <score from 1-10>,
    "context_relevance": <score from 1-10>,
    "correctness": <score from 1-10>,
    "overall_score": <average of all four scores>,
    "explanation": "Brief explanation of the evaluation"
}
`, in.Model, in.Context, in.Question, in.GoldenAnswer, in.Answer, in.Category)
}
