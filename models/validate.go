package models

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleLength = 255
	MaxTagLength   = 50
)

// Normalize applies defaults to the draft and rejects it on the first invalid
// field. Column existence is checked by the registry.
func (d *TaskDraft) Normalize() error {
	d.Title = strings.TrimSpace(d.Title)
	if err := validateTitle(d.Title); err != nil {
		return err
	}
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if !d.Priority.Valid() {
		return Validationf("priority %q is not one of low, medium, high", d.Priority)
	}
	if d.Column == "" {
		d.Column = ColumnTodo
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	return validateTags(d.Tags)
}

// Validate rejects the patch on the first invalid field.
func (p *TaskPatch) Validate() error {
	if p.Title.Set {
		if p.Title.Null {
			return Validationf("title cannot be null")
		}
		p.Title.Value = strings.TrimSpace(p.Title.Value)
		if err := validateTitle(p.Title.Value); err != nil {
			return err
		}
	}
	if p.Priority.Set {
		if p.Priority.Null {
			return Validationf("priority cannot be null")
		}
		if !p.Priority.Value.Valid() {
			return Validationf("priority %q is not one of low, medium, high", p.Priority.Value)
		}
	}
	if p.Column.Set && (p.Column.Null || p.Column.Value == "") {
		return Validationf("column cannot be empty")
	}
	if p.Tags.Set {
		if p.Tags.Value == nil {
			p.Tags.Value = []string{}
		}
		return validateTags(p.Tags.Value)
	}
	return nil
}

func validateTitle(title string) error {
	if title == "" {
		return Validationf("title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return Validationf("title is longer than %d characters", MaxTitleLength)
	}
	return nil
}

func validateTags(tags []string) error {
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return Validationf("tags cannot be blank")
		}
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return Validationf("tag %q is longer than %d characters", tag, MaxTagLength)
		}
	}
	return nil
}
