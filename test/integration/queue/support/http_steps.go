package support

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

func (qc *QueueContext) theJobServerIsRunning() error {
	return qc.startServer()
}

func (qc *QueueContext) do(req *http.Request) error {
	client := &http.Client{Timeout: WaitTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	qc.LastStatusCode = resp.StatusCode
	qc.LastResponseBody = string(body)
	return nil
}

func (qc *QueueContext) iSendARequestTo(method, path string) error {
	if qc.Server == nil {
		return errors.New("the job server is not running")
	}
	req, err := http.NewRequest(method, qc.Server.URL+path, nil)
	if err != nil {
		return err
	}
	return qc.do(req)
}

func (qc *QueueContext) requesterUploadsAnImage(requester int) error {
	if qc.Server == nil {
		return errors.New("the job server is not running")
	}
	data, err := pagePNG()
	if err != nil {
		return err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "page.png")
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/jobs?requester=%d", qc.Server.URL, requester)
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := qc.do(req); err != nil {
		return err
	}
	// let the job finish so cleanup does not race the worker
	return eventually(func() bool {
		st := qc.Service.Stats()
		return st.Completed+st.Failed+st.Cancelled >= st.Enqueued
	}, "uploaded job did not finish within %s", WaitTimeout.Round(time.Second))
}

func (qc *QueueContext) theResponseStatusShouldBe(code int) error {
	if qc.LastStatusCode != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, qc.LastStatusCode, qc.LastResponseBody)
	}
	return nil
}

func (qc *QueueContext) theResponseShouldContain(text string) error {
	if !strings.Contains(qc.LastResponseBody, text) {
		return fmt.Errorf("expected response to contain %q, got %s", text, qc.LastResponseBody)
	}
	return nil
}

// RegisterHTTPSteps registers the job server steps.
func (qc *QueueContext) RegisterHTTPSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the job server is running$`, qc.theJobServerIsRunning)
	sc.Step(`^I send a (GET|POST|DELETE) request to "([^"]*)"$`, qc.iSendARequestTo)
	sc.Step(`^requester (\d+) uploads an image$`, qc.requesterUploadsAnImage)
	sc.Step(`^the response status should be (\d+)$`, qc.theResponseStatusShouldBe)
	sc.Step(`^the response should contain "([^"]*)"$`, qc.theResponseShouldContain)
}
