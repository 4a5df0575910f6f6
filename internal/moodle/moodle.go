// Package moodle is a client for the Moodle web service REST API,
// covering the two calls the sentinel needs: course content listing and
// course name lookup.
package moodle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

const (
	wsContent      = "core_course_get_contents"
	wsCourseByID   = "core_course_get_courses_by_field"
	restFormatJSON = "json"
)

// Client talks to a single Moodle instance.
type Client struct {
	serviceURL string
	httpc      *http.Client
}

// New creates a client for the Moodle instance at baseURL, e.g.
// "https://l.xmu.edu.my".
func New(baseURL string) *Client {
	return &Client{
		serviceURL: strings.TrimRight(baseURL, "/") + "/webservice/rest/server.php",
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CourseContent fetches the full content tree of a course.
//
// Modules are not implementing the check_updates_since callback on the
// instances we care about, so the full listing is the only option.
func (c *Client) CourseContent(ctx context.Context, token string, courseID int64) ([]sentinel.CourseSection, error) {
	form := url.Values{}
	form.Set("courseid", strconv.FormatInt(courseID, 10))

	var sections []sentinel.CourseSection
	if err := c.call(ctx, wsContent, token, form, &sections); err != nil {
		return nil, err
	}

	return sections, nil
}

type coursesByField struct {
	Courses []CoursePublicInfo `json:"courses"`
}

// CoursePublicInfo is the public listing entry for a course.
type CoursePublicInfo struct {
	ID          int64  `json:"id"`
	FullName    string `json:"fullname"`
	DisplayName string `json:"displayname"`
}

// CourseName resolves a course id to its display name. An empty string
// with a nil error means the instance knows no such course.
func (c *Client) CourseName(ctx context.Context, token string, courseID int64) (string, error) {
	form := url.Values{}
	form.Set("field", "id")
	form.Set("value", strconv.FormatInt(courseID, 10))

	var resp coursesByField
	if err := c.call(ctx, wsCourseByID, token, form, &resp); err != nil {
		return "", err
	}
	if len(resp.Courses) == 0 {
		return "", nil
	}

	return resp.Courses[0].FullName, nil
}

// call performs one web service function call and decodes the response
// into out. Transport-level failures are retried with a capped fibonacci
// backoff; API-level failures are not.
func (c *Client) call(ctx context.Context, wsfunction, token string, form url.Values, out any) error {
	query := url.Values{}
	query.Set("wsfunction", wsfunction)
	query.Set("wstoken", token)
	query.Set("moodlewsrestformat", restFormatJSON)
	endpoint := c.serviceURL + "?" + query.Encode()

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(500*time.Millisecond))

	var body []byte
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("error calling %s: %w", wsfunction, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("error reading response: %w", err))
		}

		return nil
	}); err != nil {
		return err
	}

	// The API reports failures as a 200 with an error object in place of
	// the payload, so sniff for one before decoding the real shape.
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err == nil && apiErr.ErrorCode != "" {
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", wsfunction, err)
	}

	return nil
}
