package support

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/MeKo-Tech/ocrq/internal/testutil"
	"github.com/cucumber/godog"
)

// neverWindow is how long a job must stay silent to count as never completed.
const neverWindow = 100 * time.Millisecond

func pagePNG() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (qc *QueueContext) aQueueRecognizingRegions(regions int) error {
	return qc.start(regions, false)
}

func (qc *QueueContext) aPausedQueueRecognizingRegions(regions int) error {
	return qc.start(regions, true)
}

func (qc *QueueContext) requesterListensForResults(requester int) error {
	id := task.RequesterID(requester)
	qc.Service.SetListener(id, qc.recorder(id))
	return nil
}

func (qc *QueueContext) requesterEnqueuesImage(requester int, name string) error {
	data, err := pagePNG()
	if err != nil {
		return err
	}
	id := task.RequesterID(requester)
	params := qc.Service.DefaultParams()
	qc.Jobs[name] = NamedJob{Requester: id, Token: qc.Service.EnqueueData(id, data, &params)}
	return nil
}

func (qc *QueueContext) requesterEnqueuesAnEmptyImage(requester int, name string) error {
	id := task.RequesterID(requester)
	params := qc.Service.DefaultParams()
	qc.Jobs[name] = NamedJob{Requester: id, Token: qc.Service.EnqueueData(id, nil, &params)}
	return nil
}

func (qc *QueueContext) jobShouldHaveBeenRejected(name string) error {
	j, err := qc.job(name)
	if err != nil {
		return err
	}
	if j.Token != task.InvalidToken {
		return fmt.Errorf("expected %q to be rejected, got token %d", name, j.Token)
	}
	return nil
}

func (qc *QueueContext) tokenShouldBeLessThan(a, b string) error {
	ja, err := qc.job(a)
	if err != nil {
		return err
	}
	jb, err := qc.job(b)
	if err != nil {
		return err
	}
	if ja.Token >= jb.Token {
		return fmt.Errorf("token of %q (%d) is not less than token of %q (%d)", a, ja.Token, b, jb.Token)
	}
	return nil
}

func (qc *QueueContext) theEngineIsResumed() error {
	qc.resume()
	return nil
}

func (qc *QueueContext) theEngineHasStartedRecognizing() error {
	if qc.Engine.Started == nil {
		return errors.New("the engine is not paused")
	}
	select {
	case <-qc.Engine.Started:
		return nil
	case <-time.After(WaitTimeout):
		return errors.New("the engine did not start recognizing")
	}
}

func (qc *QueueContext) requesterCancels(requester int, name string) error {
	j, err := qc.job(name)
	if err != nil {
		return err
	}
	qc.LastCancel = qc.Service.Cancel(task.RequesterID(requester), j.Token)
	return nil
}

func (qc *QueueContext) requesterCancelsAllJobs(requester int) error {
	qc.LastCancel = qc.Service.CancelAll(task.RequesterID(requester))
	return nil
}

func (qc *QueueContext) theCancellationShould(outcome string) error {
	want := outcome == "succeed"
	if qc.LastCancel != want {
		return fmt.Errorf("expected cancellation to %s", outcome)
	}
	return nil
}

func (qc *QueueContext) requesterShouldHaveQueuedJobs(requester, n int) error {
	if got := len(qc.Service.Queued(task.RequesterID(requester))); got != n {
		return fmt.Errorf("expected %d queued jobs for requester %d, got %d", n, requester, got)
	}
	return nil
}

func (qc *QueueContext) waitCompleted(name string) (int, error) {
	j, err := qc.job(name)
	if err != nil {
		return 0, err
	}
	rec := qc.recorder(j.Requester)
	if err := eventually(func() bool {
		_, ok := rec.Completed(j.Token)
		return ok
	}, "%q did not complete", name); err != nil {
		return 0, err
	}
	results, _ := rec.Completed(j.Token)
	return len(results), nil
}

func (qc *QueueContext) jobShouldCompleteWithResults(name string, n int) error {
	got, err := qc.waitCompleted(name)
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("expected %q to complete with %d results, got %d", name, n, got)
	}
	return nil
}

func (qc *QueueContext) jobShouldCompleteWithAtMostResults(name string, n int) error {
	got, err := qc.waitCompleted(name)
	if err != nil {
		return err
	}
	if got > n {
		return fmt.Errorf("expected %q to complete with at most %d results, got %d", name, n, got)
	}
	return nil
}

func (qc *QueueContext) jobShouldNeverComplete(name string) error {
	j, err := qc.job(name)
	if err != nil {
		return err
	}
	if err := qc.idle(); err != nil {
		return err
	}
	time.Sleep(neverWindow)
	if _, ok := qc.recorder(j.Requester).Completed(j.Token); ok {
		return fmt.Errorf("%q completed", name)
	}
	return nil
}

func (qc *QueueContext) jobShouldHaveCompletedBefore(a, b string) error {
	ja, err := qc.job(a)
	if err != nil {
		return err
	}
	jb, err := qc.job(b)
	if err != nil {
		return err
	}
	if ja.Requester != jb.Requester {
		return fmt.Errorf("%q and %q belong to different requesters", a, b)
	}
	ia, ib := -1, -1
	for i, ev := range qc.recorder(ja.Requester).Events() {
		if ev.Kind != testutil.EventCompleted {
			continue
		}
		switch ev.Token {
		case ja.Token:
			ia = i
		case jb.Token:
			ib = i
		}
	}
	if ia < 0 || ib < 0 || ia > ib {
		return fmt.Errorf("expected %q to complete before %q", a, b)
	}
	return nil
}

func (qc *QueueContext) theResultsOfShouldBe(name, want string) error {
	j, err := qc.job(name)
	if err != nil {
		return err
	}
	results, ok := qc.recorder(j.Requester).Completed(j.Token)
	if !ok {
		return fmt.Errorf("%q has not completed", name)
	}
	if got := strings.Join(testutil.Texts(results), ", "); got != want {
		return fmt.Errorf("expected results %q, got %q", want, got)
	}
	return nil
}

func (qc *QueueContext) theStatsShouldReportEnqueuedAndRejected(enqueued, rejected int) error {
	st := qc.Service.Stats()
	if st.Enqueued != uint64(enqueued) || st.Rejected != uint64(rejected) {
		return fmt.Errorf("expected %d enqueued and %d rejected, got %d and %d",
			enqueued, rejected, st.Enqueued, st.Rejected)
	}
	return nil
}

func (qc *QueueContext) theStatsShouldReportJobs(n int, kind string) error {
	st := qc.Service.Stats()
	var got uint64
	switch kind {
	case "removed":
		got = st.Removed
	case "cancelled":
		got = st.Cancelled
	case "completed":
		got = st.Completed
	case "failed":
		got = st.Failed
	default:
		return fmt.Errorf("unknown job outcome %q", kind)
	}
	if got != uint64(n) {
		return fmt.Errorf("expected %d %s jobs, got %d", n, kind, got)
	}
	return nil
}

func (qc *QueueContext) theQueueIsShutDown() error {
	return qc.shutdown()
}

func (qc *QueueContext) theEngineShouldBeClosed() error {
	if !qc.Engine.Closed() {
		return errors.New("engine was not closed")
	}
	return nil
}

// RegisterQueueSteps registers the scheduling steps.
func (qc *QueueContext) RegisterQueueSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a queue recognizing (\d+) regions per image$`, qc.aQueueRecognizingRegions)
	sc.Step(`^a paused queue recognizing (\d+) regions per image$`, qc.aPausedQueueRecognizingRegions)
	sc.Step(`^requester (\d+) listens for results$`, qc.requesterListensForResults)
	sc.Step(`^requester (\d+) enqueues image "([^"]*)"$`, qc.requesterEnqueuesImage)
	sc.Step(`^requester (\d+) enqueues an empty image as "([^"]*)"$`, qc.requesterEnqueuesAnEmptyImage)
	sc.Step(`^"([^"]*)" should have been rejected$`, qc.jobShouldHaveBeenRejected)
	sc.Step(`^the token of "([^"]*)" should be less than the token of "([^"]*)"$`, qc.tokenShouldBeLessThan)
	sc.Step(`^the engine is resumed$`, qc.theEngineIsResumed)
	sc.Step(`^the engine has started recognizing$`, qc.theEngineHasStartedRecognizing)
	sc.Step(`^requester (\d+) cancels "([^"]*)"$`, qc.requesterCancels)
	sc.Step(`^requester (\d+) cancels all jobs$`, qc.requesterCancelsAllJobs)
	sc.Step(`^the cancellation should (succeed|fail)$`, qc.theCancellationShould)
	sc.Step(`^requester (\d+) should have (\d+) queued jobs?$`, qc.requesterShouldHaveQueuedJobs)
	sc.Step(`^"([^"]*)" should complete with (\d+) results$`, qc.jobShouldCompleteWithResults)
	sc.Step(`^"([^"]*)" should complete with at most (\d+) results$`, qc.jobShouldCompleteWithAtMostResults)
	sc.Step(`^"([^"]*)" should never complete$`, qc.jobShouldNeverComplete)
	sc.Step(`^"([^"]*)" should have completed before "([^"]*)"$`, qc.jobShouldHaveCompletedBefore)
	sc.Step(`^the results of "([^"]*)" should be "([^"]*)"$`, qc.theResultsOfShouldBe)
	sc.Step(`^the stats should report (\d+) enqueued and (\d+) rejected jobs$`, qc.theStatsShouldReportEnqueuedAndRejected)
	sc.Step(`^the stats should report (\d+) (removed|cancelled|completed|failed) jobs?$`, qc.theStatsShouldReportJobs)
	sc.Step(`^the queue is shut down$`, qc.theQueueIsShutDown)
	sc.Step(`^the engine should be closed$`, qc.theEngineShouldBeClosed)
}
