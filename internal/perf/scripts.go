package perf

// collectorsScript installs the Web Vitals observers and the SPA route-change
// notifier. It is registered for every new document and evaluated once in
// the current one; the window flag makes a second run a no-op.
const collectorsScript = `(function () {
  if (window.__e2ehealCollectors) return;
  window.__e2ehealCollectors = true;

  window.__webVitals = { lcp: null, fid: null, cls: null, fcp: null };

  function observe(type, fn) {
    try {
      new PerformanceObserver(fn).observe({ type: type, buffered: true });
    } catch (e) {}
  }

  function start() {
    observe('largest-contentful-paint', function (list) {
      var entries = list.getEntries();
      if (entries.length) window.__webVitals.lcp = entries[entries.length - 1].startTime;
    });
    observe('paint', function (list) {
      list.getEntries().forEach(function (entry) {
        if (entry.name === 'first-contentful-paint') window.__webVitals.fcp = entry.startTime;
      });
    });
    var cls = 0;
    observe('layout-shift', function (list) {
      list.getEntries().forEach(function (entry) {
        if (!entry.hadRecentInput) cls += entry.value;
      });
      window.__webVitals.cls = cls;
    });
    observe('first-input', function (list) {
      list.getEntries().forEach(function (entry) {
        window.__webVitals.fid = entry.processingStart - entry.startTime;
      });
    });
  }

  if (document.readyState === 'loading') {
    document.addEventListener('DOMContentLoaded', start);
  } else {
    start();
  }

  window.__routeChangeId = window.__routeChangeId || 0;
  function notifyRouteChange() {
    window.__routeChangeId++;
    window.dispatchEvent(new Event('routechange'));
  }
  var pushState = history.pushState;
  history.pushState = function () {
    var ret = pushState.apply(this, arguments);
    notifyRouteChange();
    return ret;
  };
  var replaceState = history.replaceState;
  history.replaceState = function () {
    var ret = replaceState.apply(this, arguments);
    notifyRouteChange();
    return ret;
  };
  window.addEventListener('popstate', notifyRouteChange, { passive: true });
})();`

// injectNowJS evaluates the collectors in the current document.
const injectNowJS = "() => {\n" + collectorsScript + "\n}"

const navigationTimingJS = `() => {
  const timing = performance.timing;
  const nav = performance.getEntriesByType('navigation')[0];
  return {
    navigationStart: timing.navigationStart,
    domContentLoadedEventEnd: timing.domContentLoadedEventEnd,
    loadEventEnd: timing.loadEventEnd,
    timeToFirstByte: nav ? nav.responseStart : null
  };
}`

const webVitalsJS = `() => window.__webVitals || {}`

const resourceMetricsJS = `() => {
  const entries = performance.getEntriesByType('resource');
  const total = entries.reduce((sum, e) => sum + (e.transferSize || 0), 0);
  return {
    resourceCount: entries.length,
    totalBytesTransferred: total,
    jsHeapUsedSize: performance.memory ? performance.memory.usedJSHeapSize : null,
    jsHeapTotalSize: performance.memory ? performance.memory.totalJSHeapSize : null
  };
}`

const routeChangeIDJS = `() => window.__routeChangeId || 0`

const routeChangedJS = `(prev) => (window.__routeChangeId || 0) !== prev`
