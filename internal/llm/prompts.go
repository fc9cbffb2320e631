package llm

import (
	"fmt"
	"strings"
)

// System prompts shared by the stage requests.
const (
	TranscriptionSystemPrompt = "You are a meticulous transcriber of classroom lectures. " +
		"Write a faithful markdown transcript in the language spoken. Keep formulas in LaTeX ($...$). " +
		"Describe anything written on the board in brackets. Do not summarise."

	StructureSystemPrompt = "You are an instructional designer. Organise a lecture transcript into sections and units " +
		"following Merrill's principles of instruction. Respond with JSON only."

	PrerequisiteSystemPrompt = "You identify the prior knowledge a student needs before following a lecture. Respond with JSON only."

	PrerequisiteTeachingSystemPrompt = "You are a patient tutor. Teach one prerequisite concept concisely in markdown, " +
		"with a short worked example. Keep formulas in LaTeX."

	RecapSystemPrompt = "You write compact lesson recaps for students. Respond with JSON only."

	ExamPrepSystemPrompt = "You turn a recorded exam-preparation session into a question bank. Respond with JSON only."
)

// Schema hints handed to the JSON salvager repair loop.
const (
	StructureSchemaHint = `{"title": string, "sections": [{"id": string, "title": string, "units": [{"id": string, "title": string, "merrill_type": string, "source_markdown": string, "content_markdown": string, "image_ideas": [string]}]}]}`

	PrerequisiteSchemaHint = `{"prerequisites": [{"name": string}]}`

	RecapSchemaHint = `{"title": string, "summary": string, "key_points": [string], "sections": [{"title": string, "points": [string]}], "takeaways": [string]}`

	ExamPrepSchemaHint = `{"title": string, "questions": [{"question_id": string, "question": string, "answer": string, "explanation": string}]}`
)

// TranscriptionPrompt addresses one part of a possibly segmented upload.
func TranscriptionPrompt(part, total int) string {
	if total <= 1 {
		return "Transcribe the attached lecture recording."
	}
	return fmt.Sprintf("Transcribe the attached recording. It is part %d of %d of one lecture; "+
		"transcribe only this part and do not add introductions or closing remarks.", part, total)
}

// StructurePrompt asks for the section/unit outline of a transcript.
func StructurePrompt(title, transcript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Lecture title: %s\n\n", strings.TrimSpace(title))
	b.WriteString("Split the transcript into sections, each with ordered units. Give every section and unit a short stable id ")
	b.WriteString("(for example s1, s1-u1). merrill_type is one of activation, demonstration, application, integration.\n")
	fmt.Fprintf(&b, "Return JSON shaped like:\n%s\n\nTranscript:\n%s", StructureSchemaHint, transcript)
	return b.String()
}

// PrerequisitePrompt asks for the prior knowledge a transcript assumes.
func PrerequisitePrompt(title, transcript string) string {
	return fmt.Sprintf("Lecture title: %s\n\nList at most 8 prerequisite concepts, most fundamental first. "+
		"Return an empty list when the lecture needs none.\nReturn JSON shaped like:\n%s\n\nTranscript:\n%s",
		strings.TrimSpace(title), PrerequisiteSchemaHint, transcript)
}

// PrerequisiteTeachingPrompt asks for a short lesson on one prerequisite.
func PrerequisiteTeachingPrompt(title, name string) string {
	return fmt.Sprintf("The lecture \"%s\" assumes the student knows: %s.\nTeach this concept in under 300 words.",
		strings.TrimSpace(title), strings.TrimSpace(name))
}

// RecapPrompt asks for a recap of the structured lesson.
func RecapPrompt(title, structureJSON string) string {
	return fmt.Sprintf("Lecture title: %s\n\nWrite a recap of the lesson outlined below.\nReturn JSON shaped like:\n%s\n\nOutline:\n%s",
		strings.TrimSpace(title), RecapSchemaHint, structureJSON)
}

// ExamPrepPrompt asks for the question bank of an exam-prep transcript.
func ExamPrepPrompt(title, transcript string) string {
	return fmt.Sprintf("Session title: %s\n\nExtract every question discussed with its worked answer.\nReturn JSON shaped like:\n%s\n\nTranscript:\n%s",
		strings.TrimSpace(title), ExamPrepSchemaHint, transcript)
}
