package domain

import "time"

// OutlineSection is a structural unit produced by outline generation.
type OutlineSection struct {
	Title             string   `json:"title"`
	RecommendedLength string   `json:"recommended_length"`
	Purpose           string   `json:"purpose"`
	Guidance          string   `json:"guidance"`
	GuidingQuestions  []string `json:"guiding_questions"`
	Selected          bool     `json:"selected"`
}

// Outline is the structured result of the outline_generation stage.
type Outline struct {
	Sections []OutlineSection `json:"sections"`
}

// DocumentSection is one drafted section of a generated document.
type DocumentSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Document is the structured result of the document_generation stage.
type Document struct {
	Sections []DocumentSection `json:"sections"`
}

// RFPAnalysis is the structured result of the rfp_analysis stage.
type RFPAnalysis struct {
	Summary            string   `json:"summary"`
	Funder             string   `json:"funder,omitempty"`
	Requirements       []string `json:"requirements"`
	EvaluationCriteria []string `json:"evaluation_criteria"`
	Deadlines          []string `json:"deadlines"`
	FundingPriorities  []string `json:"funding_priorities"`
}

// ConceptEvaluation is the structured result of the concept_evaluation stage.
type ConceptEvaluation struct {
	Summary         string   `json:"summary"`
	FitScore        float64  `json:"fit_score"`
	Strengths       []string `json:"strengths"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
}

// PromptTemplate is a system prompt plus a user prompt with named placeholders.
type PromptTemplate struct {
	Section            string `json:"section" yaml:"section"`
	SubSection         string `json:"sub_section" yaml:"sub_section"`
	Category           string `json:"category" yaml:"category"`
	SystemPrompt       string `json:"system_prompt" yaml:"system_prompt"`
	UserPromptTemplate string `json:"user_prompt_template" yaml:"user_prompt_template"`
}

// Job is one unit of dispatched work. It carries a snapshot of the stage inputs so the
// runner never needs to read the proposal table.
type Job struct {
	ID               string            `json:"id"`
	ProposalID       string            `json:"proposal_id"`
	Stage            StageName         `json:"stage"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	SelectedSections []string          `json:"selected_sections,omitempty"`
	EnqueuedAt       time.Time         `json:"enqueued_at"`
}

// Category returns the template category of the job's proposal.
func (j *Job) Category() string {
	if c := j.Metadata[MetaCategory]; c != "" {
		return c
	}
	return DefaultCategory
}
